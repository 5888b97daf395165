// Command scubed3d serves the control protocol over a UNIX-domain
// socket in front of one backing store, wiring together
// internal/registry, internal/macroblock, and internal/control. The
// FUSE mount front-end described in spec.md §6 remains external,
// undocumented here beyond its interface contract; the passphrase-to-key
// derivation is implemented as the -derive-key convenience below, since
// §6 specifies its parameters precisely enough to build against.
package main

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/crypto/pbkdf2"

	"github.com/oddcipher/scubed3/internal/control"
	"github.com/oddcipher/scubed3/internal/logging"
	"github.com/oddcipher/scubed3/internal/macroblock"
	"github.com/oddcipher/scubed3/internal/rawdevice"
	"github.com/oddcipher/scubed3/internal/registry"
)

var log = logging.For("scubed3d")

// Default PBKDF2-SHA-256 parameters of the passphrase-to-key contract,
// per spec.md §6: a front-end derives the engine's 32-byte raw key this
// way, the engine itself never sees a passphrase.
const (
	kdfSalt       = "scubed3_prod"
	kdfIterations = 16777216
	kdfKeyLen     = 32
)

func main() {
	os.Exit(run())
}

func run() int {
	backing := flag.String("b", "", "backing store file or block device (required)")
	mesoblockLog := flag.Uint("m", 12, "mesoblock size, log2 bytes")
	macroblockLog := flag.Uint("M", 16, "macroblock size, log2 bytes")
	reserved := flag.Uint("r", 0, "number of raw macroblocks reserved off the allocator's pool")
	socketPath := flag.String("control", "/tmp/scubed3-control", "control protocol UNIX-domain socket path")
	deriveKey := flag.Bool("derive-key", false, "read a passphrase from stdin, derive its key under the default PBKDF2-SHA-256 contract, print it hex-encoded, and exit without starting the server")
	flag.Parse()

	if *deriveKey {
		return runDeriveKey()
	}

	if *backing == "" {
		fmt.Fprintln(os.Stderr, "scubed3d: -b is required")
		return 1
	}

	dev, err := rawdevice.Open(*backing, *macroblockLog)
	if err != nil {
		log.WithError(err).Error("opening backing store")
		return 1
	}
	defer dev.Close()

	geo := macroblock.Geometry{MacroblockLog: *macroblockLog, MesoblockLog: *mesoblockLog}
	store, err := macroblock.Open(dev, geo)
	if err != nil {
		log.WithError(err).Error("opening macroblock store")
		return 1
	}

	reg, err := registry.New(dev.NumMacroblocks(), uint32(*reserved))
	if err != nil {
		log.WithError(err).Error("initializing partition registry")
		return 1
	}

	engine := control.NewEngine(reg, store, geo, *backing)
	ln, err := control.Listen(engine, *socketPath)
	if err != nil {
		log.WithError(err).Error("starting control listener")
		return 1
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- ln.Serve() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	log.WithField("socket", *socketPath).Info("scubed3d ready")

	select {
	case <-sig:
		log.Info("received shutdown signal, draining open partitions")
	case err := <-serveErr:
		if err != nil {
			log.WithError(err).Error("control listener failed")
			return 1
		}
	}

	if err := ln.Close(); err != nil {
		log.WithError(err).Warn("closing control listener")
	}
	engine.CloseAll()
	return 0
}

// runDeriveKey is the CLI front-end's passphrase convenience: it never
// touches the engine or the control socket, it just turns a passphrase
// into the hex key the control protocol's create-internal/open-internal
// commands expect, under the contract's fixed iteration count and salt.
func runDeriveKey() int {
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		fmt.Fprintln(os.Stderr, "scubed3d: reading passphrase from stdin:", err)
		return 1
	}
	passphrase := strings.TrimRight(line, "\r\n")

	key := pbkdf2.Key([]byte(passphrase), []byte(kdfSalt), kdfIterations, kdfKeyLen, sha256.New)
	fmt.Println(hex.EncodeToString(key))
	return 0
}
