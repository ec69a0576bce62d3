package cmd

import (
	"fmt"
	"io"
)

// fprintf panics when there's an error writing to the supplied io.Writer.
func fprintf(w io.Writer, format string, a ...any) (n int) {
	n, err := fmt.Fprintf(w, format, a...)
	if err != nil {
		panic(err.Error())
	}
	return n
}
