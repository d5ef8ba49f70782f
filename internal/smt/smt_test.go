package smt

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"testing"

	"github.com/diodedynamics/fixturecore/internal/command"
	"github.com/diodedynamics/fixturecore/internal/retry"
)

func TestEncodeRelayList(t *testing.T) {
	cases := []struct {
		relays []int
		want   string
	}{
		{[]int{1, 2, 5, 6}, "1,2,5,6"},
		{[]int{1, 2, 3, 4, 5, 6, 7, 8}, "1-8"},
		{[]int{1, 2, 5, 6, 7, 8, 12}, "1,2,5-8,12"},
		{allRelays(), "ALL"},
		{[]int{9, 10, 11, 12}, "9-12"},
	}
	for _, c := range cases {
		if got := EncodeRelayList(c.relays); got != c.want {
			t.Errorf("EncodeRelayList(%v) = %q, want %q", c.relays, got, c.want)
		}
	}
}

func TestParseRelayList_RoundTrip(t *testing.T) {
	cases := [][]int{
		{1, 2, 5, 6},
		{1, 2, 3, 4, 5, 6, 7, 8},
		{1, 2, 5, 6, 7, 8, 12},
		allRelays(),
		{9, 10, 11, 12},
		{3},
	}
	for _, want := range cases {
		encoded := EncodeRelayList(want)
		got, err := ParseRelayList(encoded)
		if err != nil {
			t.Fatalf("ParseRelayList(%q): %v", encoded, err)
		}
		wantSorted := append([]int(nil), want...)
		sort.Ints(wantSorted)
		if !reflect.DeepEqual(got, wantSorted) {
			t.Errorf("round trip %v -> %q -> %v, want %v", want, encoded, got, wantSorted)
		}
	}
}

func TestValidateRelays_RejectsOutOfRange(t *testing.T) {
	if err := ValidateRelays([]int{0}); !errors.Is(err, retry.ErrValidation) {
		t.Errorf("relay 0: err = %v, want ErrValidation", err)
	}
	if err := ValidateRelays([]int{17}); !errors.Is(err, retry.ErrValidation) {
		t.Errorf("relay 17: err = %v, want ErrValidation", err)
	}
	if err := ValidateRelays(nil); !errors.Is(err, retry.ErrValidation) {
		t.Errorf("empty set: err = %v, want ErrValidation", err)
	}
	if err := ValidateRelays([]int{1, 16}); err != nil {
		t.Errorf("boundary relays 1,16: err = %v, want nil", err)
	}
}

func TestParsePanelX_OmittedRelayRecordedAsNoMeasurement(t *testing.T) {
	got := parsePanelX("PANELX:1=12.100,2.000;2=12.050,2.050", []int{1, 2, 3})
	if !got[1].Present || got[1].Voltage != 12.100 || got[1].Current != 2.000 {
		t.Errorf("relay 1 = %+v", got[1])
	}
	if got[3].Present {
		t.Errorf("relay 3 should be absent: %+v", got[3])
	}
}

func TestParsePanelX_ExtraEntriesTolerated(t *testing.T) {
	got := parsePanelX("PANELX:1=12.0,2.0;9=5.0,1.0", []int{1})
	if !got[9].Present || got[9].Voltage != 5.0 {
		t.Errorf("extra relay 9 = %+v, want present with voltage 5.0", got[9])
	}
}

func TestParsePanelX_ImplausibleReadingsDropped(t *testing.T) {
	got := parsePanelX("PANELX:1=12.0,2.0;2=99.0,2.0;3=12.0,-80.0", []int{1, 2, 3})
	if !got[1].Present {
		t.Errorf("relay 1 should be present: %+v", got[1])
	}
	if got[2].Present {
		t.Errorf("relay 2 voltage 99.0 is outside [0,30] and must be dropped: %+v", got[2])
	}
	if got[3].Present {
		t.Errorf("relay 3 current -80.0 is outside [-50,50] and must be dropped: %+v", got[3])
	}
}

func TestClassifySendErr_UnwrapsWrappedSentinels(t *testing.T) {
	wrapped := fmt.Errorf("command: write: %w: boom", command.ErrTransportLost)
	if err := classifySendErr(wrapped); !errors.Is(err, retry.ErrTransport) {
		t.Errorf("classifySendErr(wrapped ErrTransportLost) = %v, want ErrTransport", err)
	}

	wrappedTimeout := fmt.Errorf("%w: deadline", command.ErrTimeout)
	if err := classifySendErr(wrappedTimeout); !errors.Is(err, retry.ErrTimeout) {
		t.Errorf("classifySendErr(wrapped ErrTimeout) = %v, want ErrTimeout", err)
	}
}

func allRelays() []int {
	out := make([]int, MaxRelay)
	for i := range out {
		out[i] = i + 1
	}
	return out
}
