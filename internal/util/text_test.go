package util

import "testing"

func TestHexDump(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"empty", nil, ""},
		{
			"short",
			[]byte("S0\x00"),
			"0000  53 30 00                                          |S0.|\n",
		},
		{
			"two lines",
			[]byte("0123456789abcdefXY"),
			"0000  30 31 32 33 34 35 36 37  38 39 61 62 63 64 65 66  |0123456789abcdef|\n" +
				"0010  58 59                                             |XY|\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HexDump(tt.in); got != tt.want {
				t.Errorf("HexDump() =\n%q\nwant\n%q", got, tt.want)
			}
		})
	}
}
