// Package control implements the local UNIX-domain socket line protocol
// that drives the partition registry and its open partitions: a thin
// text dispatcher in front of internal/registry and internal/scubed3,
// the only externally-facing surface built in this repository (the
// FUSE mount remains out of scope, per spec.md §1/§6; passphrase-to-key
// derivation lives in cmd/scubed3d's -derive-key mode, not here).
package control

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/oddcipher/scubed3/internal/cipher"
	"github.com/oddcipher/scubed3/internal/logging"
	"github.com/oddcipher/scubed3/internal/macroblock"
	"github.com/oddcipher/scubed3/internal/registry"
	"github.com/oddcipher/scubed3/internal/scubed3"
	"github.com/oddcipher/scubed3/internal/serr"
)

var log = logging.For("control")

// Engine is the shared state every connection's dispatcher operates on:
// the registry, the macroblock store backing it, and the set of
// currently open partitions, keyed by name.
type Engine struct {
	mu    sync.Mutex
	reg   *registry.Registry
	store *macroblock.Store
	geo   macroblock.Geometry

	open map[string]*scubed3.Partition

	backingPath string
}

// NewEngine wires a registry and macroblock store into a dispatchable
// Engine.
func NewEngine(reg *registry.Registry, store *macroblock.Store, geo macroblock.Geometry, backingPath string) *Engine {
	return &Engine{
		reg:         reg,
		store:       store,
		geo:         geo,
		open:        make(map[string]*scubed3.Partition),
		backingPath: backingPath,
	}
}

// CloseAll flushes and releases every still-open partition, for a clean
// shutdown drain.
func (e *Engine) CloseAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for name, p := range e.open {
		if err := p.Close(); err != nil {
			log.WithError(err).WithField("name", name).Warn("error closing partition during shutdown")
		}
		delete(e.open, name)
	}
}

// Listener serves the control protocol on a UNIX-domain socket.
type Listener struct {
	engine *Engine
	ln     net.Listener
}

// Listen binds a UNIX-domain socket at socketPath. Any stale socket file
// left behind by an unclean shutdown is removed first.
func Listen(engine *Engine, socketPath string) (*Listener, error) {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, serr.IO(fmt.Sprintf("removing stale control socket %s", socketPath), err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, serr.IO(fmt.Sprintf("listening on control socket %s", socketPath), err)
	}
	return &Listener{engine: engine, ln: ln}, nil
}

// Addr returns the socket path being served.
func (l *Listener) Addr() string { return l.ln.Addr().String() }

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Serve accepts connections until the listener is closed, handling each
// on its own goroutine. It returns nil when Close causes Accept to fail,
// matching net.Listener's documented shutdown idiom.
func (l *Listener) Serve() error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return serr.IO("accepting control connection", err)
		}
		go l.handle(conn)
	}
}

func (l *Listener) handle(conn net.Conn) {
	connID := uuid.New().String()
	clog := log.WithField("conn", connID)
	clog.Debug("control connection opened")
	defer func() {
		conn.Close()
		clog.Debug("control connection closed")
	}()

	d := &dispatcher{engine: l.engine, conn: conn, log: clog}
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !d.dispatch(line) {
			return
		}
	}
}

// dispatcher handles the command stream for one connection.
type dispatcher struct {
	engine *Engine
	conn   net.Conn
	log    interface {
		Debug(args ...interface{})
	}
}

// dispatch runs one line of input and writes its reply. It returns false
// when the connection should close (an `exit` command, or a write
// failure).
func (d *dispatcher) dispatch(line string) bool {
	fields := strings.Fields(line)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "exit":
		d.ok(nil)
		return false
	case "static-info":
		return d.cmdStaticInfo()
	case "p":
		return d.cmdListPartitions()
	case "check-available":
		return d.cmdCheckAvailable(args)
	case "open-internal":
		return d.cmdOpen(args)
	case "create-internal":
		return d.cmdCreate(args)
	case "close":
		return d.cmdClose(args)
	case "info":
		return d.cmdInfo(args)
	case "resize-internal":
		return d.cmdResize(args)
	case "cycle":
		return d.cmdCycle(args)
	case "verbose-ordered":
		return d.cmdVerboseOrdered(args)
	case "check-data-integrity":
		return d.cmdCheckDataIntegrity(args)
	case "set-aux":
		return d.cmdSetAux(args)
	case "get-aux":
		return d.cmdGetAux(args)
	case "set-close-on-release":
		return d.cmdSetCloseOnRelease(args)
	case "help-internal":
		return d.cmdHelp()
	default:
		return d.err(fmt.Errorf("unknown command %q", cmd))
	}
}

func (d *dispatcher) write(lines ...string) bool {
	for _, l := range lines {
		if _, err := io.WriteString(d.conn, l+"\n"); err != nil {
			return false
		}
	}
	return true
}

// ok writes a successful reply: "OK", the payload lines, then ".".
func (d *dispatcher) ok(payload []string) bool {
	return d.write(append([]string{"OK"}, append(payload, ".")...)...)
}

// err writes a failed reply, classifying the error via serr.Of so the
// message carries the same kind the engine produced.
func (d *dispatcher) err(e error) bool {
	msg := e.Error()
	if kind := serr.Of(e); kind != serr.KindNone {
		msg = fmt.Sprintf("%s: %s", kind, msg)
	}
	return d.write("ERR", msg, ".")
}

func validName(name string) error {
	if !registry.NamePattern.MatchString(name) {
		return serr.Config(fmt.Sprintf("invalid partition name %q", name), nil)
	}
	return nil
}

func (d *dispatcher) cmdStaticInfo() bool {
	d.engine.mu.Lock()
	total := d.engine.reg.TotalMacroblocks()
	meso := d.engine.geo.MesoblockSize()
	macro := d.engine.geo.MacroblockSize()
	free := d.engine.reg.FreeCount()
	path := d.engine.backingPath
	d.engine.mu.Unlock()

	return d.ok([]string{
		fmt.Sprintf("backing %s", path),
		fmt.Sprintf("total_macroblocks %d", total),
		fmt.Sprintf("free_macroblocks %d", free),
		fmt.Sprintf("macroblock_size %d", macro),
		fmt.Sprintf("mesoblock_size %d", meso),
	})
}

func (d *dispatcher) cmdListPartitions() bool {
	d.engine.mu.Lock()
	names := make([]string, 0, len(d.engine.open))
	for name := range d.engine.open {
		names = append(names, name)
	}
	d.engine.mu.Unlock()

	return d.ok(names)
}

func (d *dispatcher) cmdCheckAvailable(args []string) bool {
	if len(args) != 1 {
		return d.err(fmt.Errorf("usage: check-available NAME"))
	}
	name := args[0]
	if err := validName(name); err != nil {
		return d.err(err)
	}
	d.engine.mu.Lock()
	_, open := d.engine.open[name]
	d.engine.mu.Unlock()
	if open {
		return d.err(serr.Conflict(fmt.Sprintf("partition %q is already open", name), nil))
	}
	return d.ok(nil)
}

func parseKey(cipherSpec, keyHex string) (*cipher.Cipher, error) {
	spec, err := cipher.Parse(cipherSpec)
	if err != nil {
		return nil, serr.Config(err.Error(), nil)
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, serr.Config(fmt.Sprintf("malformed key hex: %v", err), nil)
	}
	return cipher.Open(spec, key)
}

func (d *dispatcher) cmdOpen(args []string) bool {
	if len(args) != 3 {
		return d.err(fmt.Errorf("usage: open-internal NAME CIPHER_SPEC KEY_HEX"))
	}
	name, cipherSpec, keyHex := args[0], args[1], args[2]
	if err := validName(name); err != nil {
		return d.err(err)
	}

	c, err := parseKey(cipherSpec, keyHex)
	if err != nil {
		return d.err(err)
	}

	d.engine.mu.Lock()
	defer d.engine.mu.Unlock()
	if _, already := d.engine.open[name]; already {
		return d.err(serr.Conflict(fmt.Sprintf("partition %q is already open", name), nil))
	}

	p, err := scubed3.Open(d.engine.reg, d.engine.store, d.engine.geo, c, name)
	if err != nil {
		return d.err(err)
	}
	d.engine.open[name] = p
	return d.ok(nil)
}

// cmdCreate implements create-internal NAME CIPHER_SPEC KEY_HEX, per
// spec.md §6 and original_source/src/control.c's 3-argument
// control_create: a freshly created partition starts with zero
// macroblocks assigned, and is grown to a useful size afterward with
// resize-internal.
func (d *dispatcher) cmdCreate(args []string) bool {
	if len(args) != 3 {
		return d.err(fmt.Errorf("usage: create-internal NAME CIPHER_SPEC KEY_HEX"))
	}
	name, cipherSpec, keyHex := args[0], args[1], args[2]
	if err := validName(name); err != nil {
		return d.err(err)
	}

	c, err := parseKey(cipherSpec, keyHex)
	if err != nil {
		return d.err(err)
	}

	d.engine.mu.Lock()
	defer d.engine.mu.Unlock()
	if _, already := d.engine.open[name]; already {
		return d.err(serr.Conflict(fmt.Sprintf("partition %q is already open", name), nil))
	}

	p, err := scubed3.Create(d.engine.reg, d.engine.store, d.engine.geo, c, name, 0)
	if err != nil {
		return d.err(err)
	}
	d.engine.open[name] = p
	return d.ok(nil)
}

func (d *dispatcher) lookupOpen(name string) (*scubed3.Partition, error) {
	d.engine.mu.Lock()
	defer d.engine.mu.Unlock()
	p, ok := d.engine.open[name]
	if !ok {
		return nil, serr.NotFound(fmt.Sprintf("partition %q is not open", name), nil)
	}
	return p, nil
}

func (d *dispatcher) cmdClose(args []string) bool {
	if len(args) != 1 {
		return d.err(fmt.Errorf("usage: close NAME"))
	}
	name := args[0]
	p, err := d.lookupOpen(name)
	if err != nil {
		return d.err(err)
	}
	if err := p.Close(); err != nil {
		return d.err(err)
	}
	d.engine.mu.Lock()
	delete(d.engine.open, name)
	d.engine.mu.Unlock()
	return d.ok(nil)
}

func (d *dispatcher) cmdInfo(args []string) bool {
	if len(args) != 1 {
		return d.err(fmt.Errorf("usage: info NAME"))
	}
	p, err := d.lookupOpen(args[0])
	if err != nil {
		return d.err(err)
	}
	return d.ok([]string{
		fmt.Sprintf("name %s", p.Name()),
		fmt.Sprintf("id %s", p.ID().String()),
		fmt.Sprintf("size_bytes %d", p.Size()),
		fmt.Sprintf("close_on_release %t", p.CloseOnRelease()),
	})
}

// cmdResize implements resize-internal NAME BLOCKS RESERVED. RESERVED is
// parsed and validated but otherwise unused: in this architecture the
// reserved-macroblock range is a whole-backing-store, startup-time
// parameter (the `-r` flag), not a per-partition one, so there is
// nothing for a per-partition RESERVED value to adjust; it is accepted
// purely to keep the wire protocol's argument count matching spec.md.
func (d *dispatcher) cmdResize(args []string) bool {
	if len(args) != 3 {
		return d.err(fmt.Errorf("usage: resize-internal NAME BLOCKS RESERVED"))
	}
	p, err := d.lookupOpen(args[0])
	if err != nil {
		return d.err(err)
	}
	blocks, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return d.err(serr.Config(fmt.Sprintf("malformed macroblock count %q", args[1]), nil))
	}
	if _, err := strconv.ParseUint(args[2], 10, 32); err != nil {
		return d.err(serr.Config(fmt.Sprintf("malformed reserved count %q", args[2]), nil))
	}
	if err := p.Resize(uint32(blocks)); err != nil {
		return d.err(err)
	}
	return d.ok(nil)
}

func (d *dispatcher) cmdCycle(args []string) bool {
	if len(args) != 2 {
		return d.err(fmt.Errorf("usage: cycle NAME COUNT"))
	}
	p, err := d.lookupOpen(args[0])
	if err != nil {
		return d.err(err)
	}
	count, err := strconv.Atoi(args[1])
	if err != nil || count < 0 {
		return d.err(serr.Config(fmt.Sprintf("malformed cycle count %q", args[1]), nil))
	}
	if err := p.Cycle(count); err != nil {
		return d.err(err)
	}
	return d.ok(nil)
}

// cmdVerboseOrdered answers with exactly the `info` reply (name, id,
// size, close_on_release). It reports no replay or allocation state:
// the indirection layer exposes no ordered-dump primitive.
func (d *dispatcher) cmdVerboseOrdered(args []string) bool {
	return d.cmdInfo(args)
}

func (d *dispatcher) cmdCheckDataIntegrity(args []string) bool {
	if len(args) != 1 {
		return d.err(fmt.Errorf("usage: check-data-integrity NAME"))
	}
	p, err := d.lookupOpen(args[0])
	if err != nil {
		return d.err(err)
	}
	if err := p.CheckDataIntegrity(); err != nil {
		return d.err(err)
	}
	return d.ok(nil)
}

func (d *dispatcher) cmdSetAux(args []string) bool {
	if len(args) != 3 {
		return d.err(fmt.Errorf("usage: set-aux NAME KEY VAL"))
	}
	p, err := d.lookupOpen(args[0])
	if err != nil {
		return d.err(err)
	}
	p.SetAux(args[1], args[2])
	return d.ok(nil)
}

func (d *dispatcher) cmdGetAux(args []string) bool {
	if len(args) != 2 {
		return d.err(fmt.Errorf("usage: get-aux NAME KEY"))
	}
	p, err := d.lookupOpen(args[0])
	if err != nil {
		return d.err(err)
	}
	val, ok := p.GetAux(args[1])
	if !ok {
		return d.err(serr.NotFound(fmt.Sprintf("no aux value %q set", args[1]), nil))
	}
	return d.ok([]string{val})
}

func (d *dispatcher) cmdSetCloseOnRelease(args []string) bool {
	if len(args) != 2 {
		return d.err(fmt.Errorf("usage: set-close-on-release NAME BOOL"))
	}
	p, err := d.lookupOpen(args[0])
	if err != nil {
		return d.err(err)
	}
	v, err := strconv.ParseBool(args[1])
	if err != nil {
		return d.err(serr.Config(fmt.Sprintf("malformed bool %q", args[1]), nil))
	}
	p.SetCloseOnRelease(v)
	return d.ok(nil)
}

func (d *dispatcher) cmdHelp() bool {
	return d.ok([]string{
		"static-info",
		"p",
		"check-available NAME",
		"open-internal NAME CIPHER_SPEC KEY_HEX",
		"create-internal NAME CIPHER_SPEC KEY_HEX",
		"close NAME",
		"info NAME",
		"resize-internal NAME BLOCKS RESERVED",
		"cycle NAME COUNT",
		"verbose-ordered NAME",
		"check-data-integrity NAME",
		"set-aux NAME KEY VAL",
		"get-aux NAME KEY",
		"set-close-on-release NAME BOOL",
		"help-internal",
		"exit",
	})
}
