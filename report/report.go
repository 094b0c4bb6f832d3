// Package report provides the user-facing progress line used by the
// flashing pipeline, mirrored into glog the way cli/ourutil.Reportf
// does in the grounding repository.
package report

import (
	"fmt"
	"io"
	"os"

	"github.com/golang/glog"
)

// Reportf writes a progress line to stderr and mirrors it to
// glog.Infof at V(0).
func Reportf(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f+"\n", args...)
	glog.Infof(f, args...)
}

// Freportf writes to an arbitrary writer instead of stderr, still
// mirroring to glog.
func Freportf(w io.Writer, f string, args ...interface{}) {
	fmt.Fprintf(w, f+"\n", args...)
	glog.Infof(f, args...)
}
