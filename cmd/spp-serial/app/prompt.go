package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"bluetooth-serial/internal/connmgr"
)

func printDevices(w io.Writer, devs []connmgr.Device) {
	if len(devs) == 0 {
		fmt.Fprintln(w, "no SPP devices found")
		return
	}
	for i, d := range devs {
		fmt.Fprintf(w, "[%d] MAC=%s Name=%s Alias=%s Path=%s\n", i, d.MAC, d.Name, d.Alias, d.Path)
	}
}

func readIndex(w io.Writer, r *bufio.Reader, n int) (int, error) {
	for {
		line, err := r.ReadString('\n')
		i, convErr := strconv.Atoi(strings.TrimSpace(line))
		if convErr == nil && i >= 0 && i < n {
			return i, nil
		}
		if err != nil {
			return 0, fmt.Errorf("read index: %w", err)
		}
		fmt.Fprintf(w, "enter 0..%d: ", n-1)
	}
}
