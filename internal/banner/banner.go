package banner

import (
	"fmt"
	"io"
	"strings"
)

const logo = `
==============================================================
             _  __ _
  __ _ _ __ (_)/ _| | _____      __
 / _` + "`" + ` | '__|| | |_| |/ _ \ \ /\ / /
| (_| | |   | |  _| | (_) \ V  V /
 \__,_|_|   |_|_| |_|\___/ \_/\_/
--------------------------------------------------------------`

const footer = `==============================================================`

// ConfigLine is one aligned "label : value" row under the logo.
type ConfigLine struct {
	Label string
	Value string
}

// Fprint writes the startup banner for the named application to w.
func Fprint(w io.Writer, app string, config []ConfigLine) {
	fmt.Fprintln(w, logo)
	fmt.Fprintf(w, "stasis application %q\n", app)

	maxLen := 0
	for _, c := range config {
		if len(c.Label) > maxLen {
			maxLen = len(c.Label)
		}
	}
	for _, c := range config {
		value := c.Value
		if value == "" {
			value = "(disabled)"
		}
		fmt.Fprintf(w, "  %s%s : %s\n", c.Label, strings.Repeat(" ", maxLen-len(c.Label)), value)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, footer)
	fmt.Fprintln(w)
}
