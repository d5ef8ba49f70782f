// Package identify implements the Device Identifier: cached-port-first
// probing, sequential then bounded-parallel port probing, and persistence
// of the last-known-good port (spec.md §4.6).
package identify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/diodedynamics/fixturecore/internal/frame"
	"github.com/diodedynamics/fixturecore/internal/logging"
	"github.com/diodedynamics/fixturecore/internal/metrics"
	"github.com/diodedynamics/fixturecore/internal/serialport"
)

// Kind is the classified device kind from the identification banner.
type Kind int

const (
	KindUnknown Kind = iota
	KindSMT
	KindOffroad
)

func (k Kind) String() string {
	switch k {
	case KindSMT:
		return "SMT"
	case KindOffroad:
		return "Offroad"
	default:
		return "Unknown"
	}
}

// ErrNoDeviceFound is returned when no candidate port identified.
var ErrNoDeviceFound = errors.New("identify: no device found")

// probeTimeout bounds each individual "I"/"ID" round trip (spec.md §4.6.2a-c).
const probeTimeout = 100 * time.Millisecond

// parallelism bounds the concurrent fallback probe (spec.md §4.6 step 3).
const parallelism = 4

// Identity is the result of a successful identification.
type Identity struct {
	Kind           Kind
	FirmwareString string
	Port           string
	Baud           int
}

// CacheEntry is the on-disk shape of one device_cache.json record
// (SPEC_FULL §3).
type CacheEntry struct {
	Kind           Kind      `json:"kind"`
	FirmwareString string    `json:"firmware_string"`
	DetectedBaud   int       `json:"detected_baud"`
	Timestamp      time.Time `json:"timestamp"`
}

type cacheFile map[string]CacheEntry

// Transport is the subset of *serialport.Transport the identifier needs,
// narrowed for testability.
type Transport interface {
	WriteBytes([]byte) error
	ReadLine() (string, error)
	DiscardInput()
	Close() error
	IsOpen() bool
}

// OpenFunc opens a transport; overridden in tests.
type OpenFunc func(port string, baud int, readTimeout time.Duration) (Transport, error)

// Identifier runs the identification procedure of spec.md §4.6.
type Identifier struct {
	CandidatePorts []string
	PrimaryBaud    int
	AltBauds       []int // tried only if AllowAltBaud and PrimaryBaud fails
	AllowAltBaud   bool
	CachePath      string

	Open OpenFunc
}

// New constructs an Identifier with the spec's default primary baud
// (115200) and the real serialport.Open as its transport opener.
func New(candidatePorts []string, cachePath string) *Identifier {
	return &Identifier{
		CandidatePorts: candidatePorts,
		PrimaryBaud:    115200,
		CachePath:      cachePath,
		Open: func(port string, baud int, readTimeout time.Duration) (Transport, error) {
			return serialport.Open(port, baud, readTimeout)
		},
	}
}

// Identify runs the full procedure: cached port first, then sequential
// probing of all candidates, then a bounded-parallelism fallback pass, then
// (if permitted) alternate baud rates. It returns the opened transport
// (ready for the Reader Task) and the resolved Identity.
func (id *Identifier) Identify(ctx context.Context) (Transport, Identity, error) {
	cache := loadCache(id.CachePath)

	if entry, port, ok := bestCachedGuess(cache, id.CandidatePorts); ok {
		metrics.IncIdentifyAttempt()
		if tr, ident, err := id.probeOne(ctx, port, entry.DetectedBaud); err == nil {
			id.remember(cache, ident)
			metrics.IncIdentifySuccess()
			return tr, ident, nil
		}
	}

	if tr, ident, err := id.probeSequential(ctx, id.PrimaryBaud); err == nil {
		id.remember(cache, ident)
		return tr, ident, nil
	}

	if tr, ident, err := id.probeParallel(ctx, id.PrimaryBaud); err == nil {
		id.remember(cache, ident)
		return tr, ident, nil
	}

	if id.AllowAltBaud {
		for _, baud := range id.AltBauds {
			if tr, ident, err := id.probeSequential(ctx, baud); err == nil {
				id.remember(cache, ident)
				return tr, ident, nil
			}
		}
	}

	return nil, Identity{}, ErrNoDeviceFound
}

func (id *Identifier) probeSequential(ctx context.Context, baud int) (Transport, Identity, error) {
	for _, port := range id.CandidatePorts {
		metrics.IncIdentifyAttempt()
		if tr, ident, err := id.probeOne(ctx, port, baud); err == nil {
			metrics.IncIdentifySuccess()
			return tr, ident, nil
		}
		if ctx.Err() != nil {
			return nil, Identity{}, ctx.Err()
		}
	}
	return nil, Identity{}, ErrNoDeviceFound
}

type probeResult struct {
	tr    Transport
	ident Identity
	err   error
}

func (id *Identifier) probeParallel(ctx context.Context, baud int) (Transport, Identity, error) {
	if len(id.CandidatePorts) == 0 {
		return nil, Identity{}, ErrNoDeviceFound
	}
	resultCh := make(chan probeResult, len(id.CandidatePorts))
	sem := make(chan struct{}, parallelism)
	var wg sync.WaitGroup

	for _, port := range id.CandidatePorts {
		port := port
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			metrics.IncIdentifyAttempt()
			tr, ident, err := id.probeOne(ctx, port, baud)
			resultCh <- probeResult{tr, ident, err}
		}()
	}
	go func() { wg.Wait(); close(resultCh) }()

	var winner *probeResult
	var losers []Transport
	for r := range resultCh {
		r := r
		if r.err == nil && winner == nil {
			winner = &r
			metrics.IncIdentifySuccess()
			continue
		}
		if r.tr != nil {
			losers = append(losers, r.tr)
		}
	}
	for _, tr := range losers {
		_ = tr.Close()
	}
	if winner == nil {
		return nil, Identity{}, ErrNoDeviceFound
	}
	return winner.tr, winner.ident, nil
}

// probeOne executes spec.md §4.6 step 2 against a single candidate port.
func (id *Identifier) probeOne(ctx context.Context, port string, baud int) (Transport, Identity, error) {
	tr, err := id.Open(port, baud, probeTimeout)
	if err != nil {
		return nil, Identity{}, err
	}

	tr.DiscardInput()
	line, err := id.probeCommand(tr, "I")
	if err != nil || line == "" {
		line, err = id.probeCommand(tr, "ID")
		if err != nil {
			_ = tr.Close()
			return nil, Identity{}, err
		}
	}

	kind := classify(line)
	if kind == KindUnknown {
		_ = tr.Close()
		return nil, Identity{}, ErrNoDeviceFound
	}
	return tr, Identity{Kind: kind, FirmwareString: line, Port: port, Baud: baud}, nil
}

func (id *Identifier) probeCommand(tr Transport, cmd string) (string, error) {
	if err := tr.WriteBytes([]byte(frame.EncodeUnreliable(cmd))); err != nil {
		return "", err
	}
	line, err := tr.ReadLine()
	if err != nil {
		if err == serialport.ErrReadTimeout {
			return "", nil
		}
		return "", err
	}
	return line, nil
}

// classify implements spec.md §4.6 step 2d.
func classify(banner string) Kind {
	switch {
	case strings.HasPrefix(banner, "DIODE_DYNAMICS_SMT_TESTER"), strings.HasPrefix(banner, "SMT_BATCH_TESTER"):
		return KindSMT
	case strings.HasPrefix(banner, "DIODE_DYNAMICS_OFFROAD"), strings.HasPrefix(banner, "OFFROAD_TESTER"):
		return KindOffroad
	case strings.Contains(banner, "SMT"):
		return KindSMT
	default:
		return KindUnknown
	}
}

func bestCachedGuess(cache cacheFile, candidates []string) (CacheEntry, string, bool) {
	for _, port := range candidates {
		if entry, ok := cache[port]; ok {
			return entry, port, true
		}
	}
	return CacheEntry{}, "", false
}

func (id *Identifier) remember(cache cacheFile, ident Identity) {
	if id.CachePath == "" {
		return
	}
	if cache == nil {
		cache = make(cacheFile)
	}
	cache[ident.Port] = CacheEntry{
		Kind:           ident.Kind,
		FirmwareString: ident.FirmwareString,
		DetectedBaud:   ident.Baud,
		Timestamp:      time.Now(),
	}
	if err := saveCache(id.CachePath, cache); err != nil {
		logging.L().Warn("device_cache_save_failed", "error", err)
	}
}

func loadCache(path string) cacheFile {
	if path == "" {
		return make(cacheFile)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return make(cacheFile)
	}
	var c cacheFile
	if err := json.Unmarshal(data, &c); err != nil {
		return make(cacheFile)
	}
	return c
}

// saveCache writes cache to path atomically: write to a temp file in the
// same directory, then rename over the destination.
func saveCache(path string, cache cacheFile) error {
	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".device_cache-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename device cache: %w", err)
	}
	return nil
}
