// Package smt implements the SMT Controller: relay-list grammar, the
// TX/X/V/B command set, PANELX response parsing, and the connect/disconnect
// lifecycle built on top of the Command Channel (spec.md §4.7).
package smt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/diodedynamics/fixturecore/internal/command"
	"github.com/diodedynamics/fixturecore/internal/dispatch"
	"github.com/diodedynamics/fixturecore/internal/identify"
	"github.com/diodedynamics/fixturecore/internal/logging"
	"github.com/diodedynamics/fixturecore/internal/reader"
	"github.com/diodedynamics/fixturecore/internal/retry"
)

// MinRelay and MaxRelay bound the valid relay index range (spec.md §4.7).
const (
	MinRelay = 1
	MaxRelay = 16
)

// Suggested timeout constants from spec.md §4.7.
const (
	baseTimeout     = 2 * time.Second
	perRelayTimeout = 200 * time.Millisecond
)

// ButtonState is the result of button_state().
type ButtonState int

const (
	ButtonUnknown ButtonState = iota
	ButtonPressed
	ButtonReleased
)

// RelayMeasurement is one relay's parsed PANELX entry. Present reports
// whether the device's response included this relay at all — an omitted
// index is recorded as "no measurement" (spec.md §4.7).
type RelayMeasurement struct {
	Present bool
	Voltage float64
	Current float64
}

// Controller is the SMT Controller of spec.md §4.7.
type Controller struct {
	identifier *identify.Identifier
	events     *dispatch.Dispatcher
	live       *dispatch.Dispatcher

	tr   identify.Transport
	cmds *command.Channel
	rdr  *reader.Reader
}

// New constructs a Controller. events and live receive Event and LiveSample
// frames respectively once Connect starts the Reader Task.
func New(identifier *identify.Identifier, events, live *dispatch.Dispatcher) *Controller {
	return &Controller{identifier: identifier, events: events, live: live}
}

// Connect runs identification, confirms the device is SMT, and starts the
// Reader Task (spec.md §4.7 connect).
func (c *Controller) Connect(ctx context.Context) error {
	tr, ident, err := c.identifier.Identify(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", retry.ErrIdentificationFailed, err)
	}
	if ident.Kind != identify.KindSMT {
		_ = tr.Close()
		return fmt.Errorf("%w: identified device is %v, not SMT", retry.ErrIdentificationFailed, ident.Kind)
	}

	c.tr = tr
	c.cmds = command.New(tr)
	c.rdr = reader.New(tr, reader.Options{
		Commands: c.cmds,
		Events:   c.events,
		Live:     c.live,
		OnTransportLost: func(err error) {
			logging.L().Error("smt_transport_lost", "error", err)
			c.cmds.Abort()
		},
	})
	c.rdr.Start()
	logging.L().Info("smt_connected", "port", ident.Port, "firmware", ident.FirmwareString)
	return nil
}

// Disconnect stops the reader and closes the transport on every exit path.
func (c *Controller) Disconnect() error {
	if c.rdr != nil {
		c.rdr.Stop()
	}
	if c.tr != nil {
		return c.tr.Close()
	}
	return nil
}

// TestPanel issues one TX:<list> command and parses the PANELX response
// into a per-relay measurement map (spec.md §4.7). The reader is paused for
// the duration, per spec.md's explicit pause/resume wrap. A transient
// timeout is retried exactly once with a fresh sequence number via
// retry.WithSingleRetry (spec.md §4.9, §8 scenario 3).
func (c *Controller) TestPanel(ctx context.Context, relays []int) (map[int]RelayMeasurement, error) {
	if err := ValidateRelays(relays); err != nil {
		return nil, err
	}
	list := EncodeRelayList(relays)
	timeout := baseTimeout + time.Duration(len(relays))*perRelayTimeout

	payload, err := retry.WithSingleRetry(ctx, func() (string, error) {
		payload, sendErr := c.cmds.SendPaused(c.rdr, "TX:"+list, timeout, "PANELX:")
		return payload, classifySendErr(sendErr)
	})
	if err != nil {
		return nil, err
	}
	return parsePanelX(payload, relays), nil
}

// AllOff sends X and expects OK:ALL_OFF, retrying once on a transient
// failure (spec.md §4.9).
func (c *Controller) AllOff(ctx context.Context) error {
	_, err := retry.WithSingleRetry(ctx, func() (string, error) {
		payload, sendErr := c.cmds.Send(ctx, "X", baseTimeout, "OK:ALL_OFF")
		return payload, classifySendErr(sendErr)
	})
	return err
}

// SupplyVoltage sends V and expects VOLTAGE:<v>, retrying once on a
// transient failure (spec.md §4.9). It does not energize any relay.
func (c *Controller) SupplyVoltage(ctx context.Context) (float64, error) {
	payload, err := retry.WithSingleRetry(ctx, func() (string, error) {
		payload, sendErr := c.cmds.Send(ctx, "V", baseTimeout, "VOLTAGE:")
		return payload, classifySendErr(sendErr)
	})
	if err != nil {
		return 0, err
	}
	v, perr := strconv.ParseFloat(strings.TrimPrefix(payload, "VOLTAGE:"), 64)
	if perr != nil {
		return 0, fmt.Errorf("%w: malformed VOLTAGE payload %q", retry.ErrProtocol, payload)
	}
	return v, nil
}

// ButtonStateNow sends B and classifies the response, retrying once on a
// transient failure (spec.md §4.9).
func (c *Controller) ButtonStateNow(ctx context.Context) (ButtonState, error) {
	payload, err := retry.WithSingleRetry(ctx, func() (string, error) {
		payload, sendErr := c.cmds.Send(ctx, "B", baseTimeout, "")
		return payload, classifySendErr(sendErr)
	})
	if err != nil {
		return ButtonUnknown, err
	}
	switch {
	case strings.Contains(payload, "PRESSED"):
		return ButtonPressed, nil
	case strings.Contains(payload, "RELEASED"):
		return ButtonReleased, nil
	default:
		return ButtonUnknown, fmt.Errorf("%w: unrecognized button state %q", retry.ErrProtocol, payload)
	}
}

// classifySendErr maps the Command Channel's sentinel errors onto the Error
// & Retry Policy taxonomy (spec.md §7). Send and SendPaused both wrap their
// sentinels with fmt.Errorf("%w: ...", ...), so this must use errors.Is
// rather than equality.
func classifySendErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, command.ErrTimeout):
		return fmt.Errorf("%w: %v", retry.ErrTimeout, err)
	case errors.Is(err, command.ErrTransportLost):
		return fmt.Errorf("%w: %v", retry.ErrTransport, err)
	case errors.Is(err, command.ErrUnexpectedResponse):
		return fmt.Errorf("%w: %v", retry.ErrProtocol, err)
	default:
		return err
	}
}

// ValidateRelays rejects any index outside 1..16 and an empty set before
// any byte is sent (spec.md §4.7, §8).
func ValidateRelays(relays []int) error {
	if len(relays) == 0 {
		return fmt.Errorf("%w: empty relay set", retry.ErrValidation)
	}
	for _, r := range relays {
		if r < MinRelay || r > MaxRelay {
			return fmt.Errorf("%w: relay index %d out of range [%d,%d]", retry.ErrValidation, r, MinRelay, MaxRelay)
		}
	}
	return nil
}

// EncodeRelayList renders relays as the device's accepted grammar: dash
// ranges for runs of 3 or more consecutive indices, comma-separated
// otherwise, or the literal ALL when relays covers the full 1..16 set
// (spec.md §4.7).
func EncodeRelayList(relays []int) string {
	sorted := append([]int(nil), relays...)
	sort.Ints(sorted)

	if isAllSixteen(sorted) {
		return "ALL"
	}

	var parts []string
	i := 0
	for i < len(sorted) {
		start := sorted[i]
		end := start
		j := i + 1
		for j < len(sorted) && sorted[j] == end+1 {
			end = sorted[j]
			j++
		}
		if end-start >= 2 {
			parts = append(parts, fmt.Sprintf("%d-%d", start, end))
		} else {
			for k := i; k < j; k++ {
				parts = append(parts, strconv.Itoa(sorted[k]))
			}
		}
		i = j
	}
	return strings.Join(parts, ",")
}

func isAllSixteen(sorted []int) bool {
	if len(sorted) != MaxRelay {
		return false
	}
	for i, v := range sorted {
		if v != i+1 {
			return false
		}
	}
	return true
}

// ParseRelayList parses the device grammar (comma list, dash ranges, ALL)
// back into a set of relay indices, for round-trip testing (spec.md §8).
func ParseRelayList(s string) ([]int, error) {
	if s == "ALL" {
		out := make([]int, MaxRelay)
		for i := range out {
			out[i] = i + 1
		}
		return out, nil
	}
	seen := make(map[int]bool)
	var out []int
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if dash := strings.IndexByte(tok, '-'); dash >= 0 {
			lo, err := strconv.Atoi(tok[:dash])
			if err != nil {
				return nil, fmt.Errorf("%w: bad range %q", retry.ErrValidation, tok)
			}
			hi, err := strconv.Atoi(tok[dash+1:])
			if err != nil {
				return nil, fmt.Errorf("%w: bad range %q", retry.ErrValidation, tok)
			}
			for r := lo; r <= hi; r++ {
				if !seen[r] {
					seen[r] = true
					out = append(out, r)
				}
			}
			continue
		}
		v, err := strconv.Atoi(tok)
		if err != nil {
			return nil, fmt.Errorf("%w: bad index %q", retry.ErrValidation, tok)
		}
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out, nil
}

// Plausibility envelope for an accepted PANELX entry (spec.md §8): voltage
// and current readings outside this range are logged and dropped rather
// than trusted, the same as a malformed entry.
const (
	minPlausibleVoltage = 0.0
	maxPlausibleVoltage = 30.0
	minPlausibleCurrent = -50.0
	maxPlausibleCurrent = 50.0
)

// parsePanelX parses a "PANELX:<r>=<v>,<c>;<r>=<v>,<c>;..." payload.
// Relays requested but absent from the response are recorded as
// Present=false (spec.md §4.7). Extra entries beyond requested are
// accepted and included in the result, but logged, since they indicate the
// device reported more than was asked for (spec.md §8).
func parsePanelX(payload string, requested []int) map[int]RelayMeasurement {
	result := make(map[int]RelayMeasurement, len(requested))
	want := make(map[int]bool, len(requested))
	for _, r := range requested {
		result[r] = RelayMeasurement{Present: false}
		want[r] = true
	}

	body := strings.TrimPrefix(payload, "PANELX:")
	for _, entry := range strings.Split(body, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		eq := strings.IndexByte(entry, '=')
		if eq < 0 {
			logging.L().Warn("panelx_entry_malformed", "entry", entry)
			continue
		}
		idx, err := strconv.Atoi(entry[:eq])
		if err != nil {
			logging.L().Warn("panelx_entry_malformed", "entry", entry)
			continue
		}
		vc := strings.SplitN(entry[eq+1:], ",", 2)
		if len(vc) != 2 {
			logging.L().Warn("panelx_entry_malformed", "entry", entry)
			continue
		}
		v, verr := strconv.ParseFloat(strings.TrimSpace(vc[0]), 64)
		cur, cerr := strconv.ParseFloat(strings.TrimSpace(vc[1]), 64)
		if verr != nil || cerr != nil {
			logging.L().Warn("panelx_entry_malformed", "entry", entry)
			continue
		}
		if v < minPlausibleVoltage || v > maxPlausibleVoltage || cur < minPlausibleCurrent || cur > maxPlausibleCurrent {
			logging.L().Warn("panelx_entry_implausible", "relay", idx, "voltage", v, "current", cur)
			continue
		}
		if !want[idx] {
			logging.L().Info("panelx_extra_relay", "relay", idx, "voltage", v, "current", cur)
		}
		result[idx] = RelayMeasurement{Present: true, Voltage: v, Current: cur}
	}
	return result
}
