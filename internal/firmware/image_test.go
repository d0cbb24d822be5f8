package firmware

import (
	"bytes"
	"strings"
	"testing"

	"github.com/vitaminmoo/casedfu/internal/parser"
)

func testBanks(t *testing.T) (a, b []byte) {
	t.Helper()
	a, err := FromBinary(bytes.Repeat([]byte{0x11}, 40), 0x08000000, "bank-a", 16)
	if err != nil {
		t.Fatalf("FromBinary: %v", err)
	}
	b, err = FromBinary(bytes.Repeat([]byte{0x22}, 90), 0x08020000, "bank-b", 16)
	if err != nil {
		t.Fatalf("FromBinary: %v", err)
	}
	return a, b
}

func TestPackInspect(t *testing.T) {
	a, b := testBanks(t)
	data, err := Pack(PackSpec{
		Variant:    "ST2",
		Major:      2,
		Minor:      5,
		Compatible: []parser.Version{{Major: 1, Minor: 1}, {Major: 2, Minor: 0}},
		BankA:      a,
		BankB:      b,
	})
	if err != nil {
		t.Fatalf("Pack error = %v", err)
	}
	img, err := Inspect(data)
	if err != nil {
		t.Fatalf("Inspect error = %v", err)
	}
	if img.Variant != "ST2" || img.Major != 2 || img.Minor != 5 {
		t.Errorf("header = %s %d.%d, want ST2 2.5", img.Variant, img.Major, img.Minor)
	}
	if len(img.Compatible) != 2 || img.Compatible[1] != (parser.Version{Major: 2, Minor: 0}) {
		t.Errorf("Compatible = %v", img.Compatible)
	}
	if !bytes.Equal(img.BankA, a) || !bytes.Equal(img.BankB, b) {
		t.Error("bank record sets differ from the packed ones")
	}
	if img.BankSplit != uint32(len(a)) || img.PartitionLength != uint32(len(a)+len(b)) {
		t.Errorf("split %d length %d, want %d %d", img.BankSplit, img.PartitionLength, len(a), len(a)+len(b))
	}
	if got := data[img.PartitionOffset : img.PartitionOffset+img.PartitionLength]; !bytes.Equal(got, append(append([]byte(nil), a...), b...)) {
		t.Error("PartitionOffset does not point at the partition data")
	}
	if img.RecordsA != 5 || img.RecordsB != 8 {
		t.Errorf("records = %d/%d, want 5/8", img.RecordsA, img.RecordsB)
	}
}

func TestInspectErrors(t *testing.T) {
	a, b := testBanks(t)
	good, err := Pack(PackSpec{Variant: "ST2", BankA: a, BankB: b})
	if err != nil {
		t.Fatalf("Pack error = %v", err)
	}
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"truncated", good[:len(good)-4], "truncated"},
		{"trailing", append(append([]byte(nil), good...), 0, 0), "trailing"},
		{"not an image", []byte("NOTANIMAGE!!"), "unknown structural id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Inspect(tt.data)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Inspect error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestPackRejects(t *testing.T) {
	a, b := testBanks(t)
	tests := []struct {
		name string
		spec PackSpec
		want string
	}{
		{"long variant", PackSpec{Variant: "TOOLONGVARIANT", BankA: a, BankB: b}, "longer than"},
		{"empty bank", PackSpec{Variant: "ST2", BankA: a}, "empty"},
		{"bad records", PackSpec{Variant: "ST2", BankA: []byte("hello\n"), BankB: b}, "not an S-record"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Pack(tt.spec)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Pack error = %v, want %q", err, tt.want)
			}
		})
	}
}
