// Package main provides the command-line interface for running a single
// kadcore DHT node: generating or loading its identity, binding a
// transport, joining the network through one or more seed contacts, and
// serving RPCs until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/kadcore/crypto"
	"github.com/opd-ai/kadcore/dht"
	"github.com/opd-ai/kadcore/kbucket"
	"github.com/opd-ai/kadcore/nodeid"
	"github.com/opd-ai/kadcore/transport"
)

// CLIConfig holds command-line configuration options for a running node.
type CLIConfig struct {
	listenAddr    string
	transportKind string
	identityFile  string
	bootstrapFile string
	seeds         string
	logLevel      string
	anonymous     bool
	help          bool
}

// parseCLIFlags parses command-line flags and returns the configuration.
func parseCLIFlags() *CLIConfig {
	config := &CLIConfig{}

	flag.StringVar(&config.listenAddr, "listen", "0.0.0.0:33445", "Address to bind the node's transport to")
	flag.StringVar(&config.transportKind, "transport", "udp", "Transport to use: udp or tcp")
	flag.StringVar(&config.identityFile, "identity-file", "kadnode.identity", "Path to the node's persisted identity (created if missing)")
	flag.StringVar(&config.bootstrapFile, "bootstrap-file", "kadnode.kadconfig", "Path to the .kadconfig bootstrap snapshot")
	flag.StringVar(&config.seeds, "seeds", "", "Comma-separated node_id@ip:port seed contacts to join through")
	flag.StringVar(&config.logLevel, "log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	flag.BoolVar(&config.anonymous, "anonymous", false, "Sign STORE requests with the anonymous sentinel instead of a keypair")
	flag.BoolVar(&config.help, "help", false, "Show help message")

	flag.Parse()
	return config
}

func printUsage() {
	fmt.Println("kadcore DHT node")
	fmt.Println("================")
	fmt.Println()
	fmt.Println("Runs a single Kademlia-derived DHT node: joins the network through the")
	fmt.Println("given seed contacts (or a persisted .kadconfig snapshot) and serves")
	fmt.Println("FIND_NODE/FIND_VALUE/STORE RPCs until interrupted.")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  %s [options]\n", os.Args[0])
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Printf("  # Start the first node of a new network\n")
	fmt.Printf("  %s -listen 0.0.0.0:33445\n", os.Args[0])
	fmt.Println()
	fmt.Printf("  # Join through an existing node\n")
	fmt.Printf("  %s -listen 0.0.0.0:33446 -seeds <hex-node-id>@127.0.0.1:33445\n", os.Args[0])
}

var validLogLevels = map[string]logrus.Level{
	"DEBUG": logrus.DebugLevel,
	"INFO":  logrus.InfoLevel,
	"WARN":  logrus.WarnLevel,
	"ERROR": logrus.ErrorLevel,
}

func validateCLIConfig(config *CLIConfig) error {
	if config.listenAddr == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if config.transportKind != "udp" && config.transportKind != "tcp" {
		return fmt.Errorf("invalid transport %q: must be udp or tcp", config.transportKind)
	}
	if _, ok := validLogLevels[config.logLevel]; !ok {
		return fmt.Errorf("invalid log level %q: must be one of DEBUG, INFO, WARN, ERROR", config.logLevel)
	}
	return nil
}

// loadOrCreateIdentity reads a 64-byte hex node id from path, generating and
// persisting a fresh random one if the file does not exist.
func loadOrCreateIdentity(path string) (nodeid.ID, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		id, parseErr := nodeid.FromString(strings.TrimSpace(string(raw)))
		if parseErr != nil {
			return nodeid.ID{}, fmt.Errorf("parsing identity file %s: %w", path, parseErr)
		}
		return id, nil
	}
	if !os.IsNotExist(err) {
		return nodeid.ID{}, fmt.Errorf("reading identity file %s: %w", path, err)
	}

	id, err := nodeid.Random()
	if err != nil {
		return nodeid.ID{}, fmt.Errorf("generating node identity: %w", err)
	}
	if writeErr := os.WriteFile(path, []byte(id.String()), 0o600); writeErr != nil {
		return nodeid.ID{}, fmt.Errorf("persisting identity file %s: %w", path, writeErr)
	}
	return id, nil
}

// parseSeeds parses the -seeds flag's node_id@ip:port,node_id@ip:port list.
func parseSeeds(raw string) ([]kbucket.Contact, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var seeds []kbucket.Contact
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		at := strings.SplitN(entry, "@", 2)
		if len(at) != 2 {
			return nil, fmt.Errorf("malformed seed %q: expected node_id@ip:port", entry)
		}
		id, err := nodeid.FromString(at[0])
		if err != nil {
			return nil, fmt.Errorf("malformed seed id %q: %w", at[0], err)
		}
		host, portStr, err := splitHostPort(at[1])
		if err != nil {
			return nil, fmt.Errorf("malformed seed address %q: %w", at[1], err)
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("malformed seed port %q: %w", portStr, err)
		}
		seeds = append(seeds, kbucket.Contact{NodeID: id, HostIP: host, HostPort: uint16(port)})
	}
	return seeds, nil
}

func splitHostPort(addr string) (string, string, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("missing port")
	}
	return addr[:idx], addr[idx+1:], nil
}

func newTransport(kind, listenAddr string) (transport.Transport, error) {
	switch kind {
	case "tcp":
		return transport.NewTCPTransport(listenAddr)
	default:
		return transport.NewUDPTransport(listenAddr)
	}
}

func setupSignalHandling(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		sig := <-sigChan
		logrus.WithFields(logrus.Fields{
			"signal":  sig.String(),
			"context": "signal_handling",
		}).Info("received interrupt signal, shutting down")
		cancel()
	}()
}

func main() {
	os.Exit(run())
}

// run executes the node's lifecycle and returns a process exit code, so
// deferred cleanup runs before the process exits.
func run() int {
	cliConfig := parseCLIFlags()

	if cliConfig.help {
		printUsage()
		return 0
	}

	if err := validateCLIConfig(cliConfig); err != nil {
		logrus.WithFields(logrus.Fields{
			"error":   err.Error(),
			"context": "configuration_validation",
		}).Error("configuration error")
		fmt.Fprintln(os.Stderr, "Use -help for usage information.")
		return 1
	}
	logrus.SetLevel(validLogLevels[cliConfig.logLevel])

	id, err := loadOrCreateIdentity(cliConfig.identityFile)
	if err != nil {
		logrus.WithFields(logrus.Fields{"error": err.Error()}).Error("failed to load node identity")
		return 1
	}

	seeds, err := parseSeeds(cliConfig.seeds)
	if err != nil {
		logrus.WithFields(logrus.Fields{"error": err.Error()}).Error("failed to parse seed contacts")
		return 1
	}

	tr, err := newTransport(cliConfig.transportKind, cliConfig.listenAddr)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"error":     err.Error(),
			"transport": cliConfig.transportKind,
			"listen":    cliConfig.listenAddr,
		}).Error("failed to bind transport")
		return 1
	}
	defer func() {
		if closeErr := tr.Close(); closeErr != nil {
			logrus.WithFields(logrus.Fields{"error": closeErr.Error()}).Warn("transport close warning")
		}
	}()

	var signer crypto.Signer
	var verifier crypto.Verifier
	if !cliConfig.anonymous {
		edSigner, keyErr := crypto.GenerateEd25519Signer()
		if keyErr != nil {
			logrus.WithFields(logrus.Fields{"error": keyErr.Error()}).Error("failed to generate signing keypair")
			return 1
		}
		signer = edSigner
		verifier = crypto.Ed25519Verifier{}
	}

	node := dht.New(id, dht.DefaultConfig(), tr, signer, verifier, cliConfig.bootstrapFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandling(cancel)

	logrus.WithFields(logrus.Fields{
		"node_id":   id.String(),
		"listen":    cliConfig.listenAddr,
		"transport": cliConfig.transportKind,
		"seeds":     len(seeds),
	}).Info("starting kadcore node")

	joinCtx, joinCancel := context.WithTimeout(ctx, 30*time.Second)
	err = node.Join(joinCtx, seeds)
	joinCancel()
	if err != nil {
		logrus.WithFields(logrus.Fields{"error": err.Error()}).Error("bootstrap failed")
	} else {
		logrus.Info("bootstrap complete, serving RPCs")
	}

	<-ctx.Done()

	if leaveErr := node.Leave(); leaveErr != nil {
		logrus.WithFields(logrus.Fields{"error": leaveErr.Error()}).Warn("leave warning")
	}
	return 0
}
