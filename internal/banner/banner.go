package banner

import (
	"fmt"
	"strings"
)

const logo = `
======================================================================
  ____      _ _ _____             _
 / ___|__ _| | | ____|_ __   __ _(_)_ __   ___
| |   / _` + "`" + ` | | |  _| | '_ \ / _` + "`" + ` | | '_ \ / _ \
| |__| (_| | | | |___| | | | (_| | | | | |  __/
 \____\__,_|_|_|_____|_| |_|\__, |_|_| |_|\___|
                            |___/
----------------------------------------------------------------------`

const footer = `======================================================================`

// ConfigLine is a single labeled value shown under the logo.
type ConfigLine struct {
	Label string
	Value string
}

// Print displays the startup banner with the service name and configuration.
func Print(serviceName string, config []ConfigLine) {
	fmt.Println(logo)
	fmt.Printf("%s\n", serviceName)

	maxLen := 0
	for _, c := range config {
		if len(c.Label) > maxLen {
			maxLen = len(c.Label)
		}
	}

	for _, c := range config {
		padding := strings.Repeat(" ", maxLen-len(c.Label))
		fmt.Printf("  %s%s : %s\n", c.Label, padding, c.Value)
	}

	fmt.Println()
	fmt.Println("Ready.")
	fmt.Println(footer)
	fmt.Println()
}
