package render

import (
	"bytes"
	"fmt"
)

// CompareOutput reports the first line where got departs from want.
func CompareOutput(want, got []byte) error {
	if bytes.Equal(want, got) {
		return nil
	}
	wl := bytes.SplitAfter(want, []byte("\n"))
	gl := bytes.SplitAfter(got, []byte("\n"))
	for i := 0; i < len(wl) || i < len(gl); i++ {
		var w, g []byte
		if i < len(wl) {
			w = wl[i]
		}
		if i < len(gl) {
			g = gl[i]
		}
		if !bytes.Equal(w, g) {
			return fmt.Errorf("output differs at line %d:\n  expected: %q\n  actual:   %q", i+1, w, g)
		}
	}
	return fmt.Errorf("output differs")
}
