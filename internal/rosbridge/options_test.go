package rosbridge

import (
	"testing"

	"go.bug.st/serial"
)

func TestPortOptions_Normalize_Defaults(t *testing.T) {
	got, err := PortOptions{}.Normalize()
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	want := PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"}
	if got != want {
		t.Errorf("Normalize() = %+v, want %+v", got, want)
	}
}

func TestPortOptions_Normalize_ParityVariations(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "N"},
		{"none", "N"},
		{" n ", "N"},
		{"even", "E"},
		{"E", "E"},
		{"Odd", "O"},
	}
	for _, tt := range tests {
		got, err := PortOptions{Parity: tt.in}.Normalize()
		if err != nil {
			t.Fatalf("Normalize(%q) error = %v", tt.in, err)
		}
		if got.Parity != tt.want {
			t.Errorf("Normalize(%q).Parity = %q, want %q", tt.in, got.Parity, tt.want)
		}
	}
}

func TestPortOptions_Normalize_Rejects(t *testing.T) {
	for name, opts := range map[string]PortOptions{
		"data bits low":  {DataBits: 4},
		"data bits high": {DataBits: 9},
		"stop bits":      {StopBits: 3},
		"parity":         {Parity: "mark"},
	} {
		if _, err := opts.Normalize(); err == nil {
			t.Errorf("%s: expected error for %+v", name, opts)
		}
	}
}

func TestPortOptions_Equal(t *testing.T) {
	if !(PortOptions{}).Equal(PortOptions{BaudRate: 115200, Parity: "none"}) {
		t.Error("defaults should equal their explicit form")
	}
	if (PortOptions{BaudRate: 9600}).Equal(PortOptions{BaudRate: 19200}) {
		t.Error("different baud rates should differ")
	}
	if (PortOptions{DataBits: 12}).Equal(PortOptions{DataBits: 12}) {
		t.Error("invalid options are never equal")
	}
}

func TestPortOptions_SerialMode(t *testing.T) {
	mode, err := PortOptions{}.SerialMode()
	if err != nil {
		t.Fatalf("SerialMode() error = %v", err)
	}
	if mode.BaudRate != 115200 || mode.DataBits != 8 {
		t.Errorf("mode = %+v", mode)
	}
	if mode.StopBits != serial.OneStopBit {
		t.Errorf("StopBits = %v, want OneStopBit", mode.StopBits)
	}
	if mode.Parity != serial.NoParity {
		t.Errorf("Parity = %v, want NoParity", mode.Parity)
	}

	mode, err = PortOptions{StopBits: 2, Parity: "O"}.SerialMode()
	if err != nil {
		t.Fatalf("SerialMode() error = %v", err)
	}
	if mode.StopBits != serial.TwoStopBits {
		t.Errorf("StopBits = %v, want TwoStopBits", mode.StopBits)
	}
	if mode.Parity != serial.OddParity {
		t.Errorf("Parity = %v, want OddParity", mode.Parity)
	}

	if _, err := (PortOptions{StopBits: 5}).SerialMode(); err == nil {
		t.Error("expected error for invalid options")
	}
}
