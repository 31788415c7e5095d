package classify

import "testing"

func TestFilenameCharType(t *testing.T) {
	tests := []struct {
		name string
		c    byte
		want CharType
	}{
		{name: "nul", c: 0, want: CharIllegal},
		{name: "slash", c: '/', want: CharIllegal},
		{name: "control char", c: 7, want: CharNonASCII},
		{name: "del", c: 127, want: CharNonASCII},
		{name: "quote", c: '"', want: CharUnlikely},
		{name: "asterisk", c: '*', want: CharUnlikely},
		{name: "pipe", c: '|', want: CharUnlikely},
		{name: "ordinary letter", c: 'a', want: CharOK},
		{name: "digit", c: '5', want: CharOK},
		{name: "dot", c: '.', want: CharOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FilenameCharType(tt.c); got != tt.want {
				t.Errorf("FilenameCharType(%q) = %v, want %v", tt.c, got, tt.want)
			}
		})
	}
}
