package executor

import (
	"testing"

	"github.com/danmuck/pulsectl/internal/testutil/testlog"
)

func TestScalarTypeConversions(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		name    string
		typ     VarType
		in      any
		want    any
		wantErr bool
	}{
		{"int from json number", TypeInt, float64(25), int64(25), false},
		{"int from int64", TypeInt, int64(7), int64(7), false},
		{"int rejects fraction", TypeInt, 2.5, nil, true},
		{"int rejects string", TypeInt, "25", nil, true},
		{"float from json number", TypeFloat, float64(1.5), float64(1.5), false},
		{"float widens int", TypeFloat, int64(3), float64(3), false},
		{"float rejects bool", TypeFloat, true, nil, true},
		{"boolean passes", TypeBoolean, true, true, false},
		{"boolean rejects number", TypeBoolean, float64(1), nil, true},
		{"string passes", TypeString, "ok", "ok", false},
		{"string rejects number", TypeString, float64(1), nil, true},
		{"any passes object", TypeAny, map[string]any{"k": "v"}, nil, false},
	}
	for _, tc := range cases {
		got, err := tc.typ.Convert(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s: converted %v to %v without error", tc.name, tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if tc.want != nil && got != tc.want {
			t.Fatalf("%s: got %v (%T) want %v (%T)", tc.name, got, got, tc.want, tc.want)
		}
	}
}

func TestScalarTypeNames(t *testing.T) {
	testlog.Start(t)
	names := map[VarType]string{
		TypeInt:     "Int",
		TypeFloat:   "Float",
		TypeBoolean: "Boolean",
		TypeString:  "String",
		TypeAny:     "Any",
	}
	for typ, want := range names {
		if got := typ.Name(); got != want {
			t.Fatalf("got %q want %q", got, want)
		}
	}
}

func TestResultKindString(t *testing.T) {
	testlog.Start(t)
	if KindDirect.String() != "direct" || KindDeferred.String() != "deferred" || KindStream.String() != "stream" {
		t.Fatalf("unexpected kind names: %s %s %s", KindDirect, KindDeferred, KindStream)
	}
	if ResultKind(99).String() != "unknown" {
		t.Fatalf("unexpected name for out-of-range kind")
	}
}
