package firmware

import "testing"

func TestGrblClassify(t *testing.T) {
	tests := []struct {
		line string
		want Kind
	}{
		{"ok", OK},
		{"OK", OK},
		{"error:20", Error},
		{"Error: bad number", Error},
		{"ALARM:1", Error},
		{"<Idle|MPos:0.000,0.000,0.000|FS:0,0>", Ignore},
		{"[MSG:Caution: Unlocked]", Info},
		{"Grbl 1.1h ['$' for help]", Info},
		{"okay", Info},
	}

	for _, test := range tests {
		if got := (Grbl{}).Classify(test.line); got != test.want {
			t.Errorf("Classify(%q): expected %v, got %v", test.line, test.want, got)
		}
	}
}

func TestSmoothieClassify(t *testing.T) {
	tests := []struct {
		line string
		want Kind
	}{
		{"ok", OK},
		{"ok T:20.0", OK},
		{"error:Unsupported command", Error},
		{"!!", Error},
		{"<Idle,MPos:0,0,0>", Ignore},
		{"Smoothie", Info},
	}

	for _, test := range tests {
		if got := (Smoothie{}).Classify(test.line); got != test.want {
			t.Errorf("Classify(%q): expected %v, got %v", test.line, test.want, got)
		}
	}
}

func TestLookup(t *testing.T) {
	d, err := Lookup(" GRBL ")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if d.BufferSize() != 127 {
		t.Errorf("Expected GRBL buffer of 127, got %d", d.BufferSize())
	}

	if _, err := Lookup("marlin"); err == nil {
		t.Error("Expected an error for an unknown dialect")
	}

	names := Names()
	if len(names) != 3 || names[0] != "generic" {
		t.Errorf("Unexpected dialect names %v", names)
	}
}
