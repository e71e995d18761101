package commands

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// terminalPrompter implements manual escalation on the controlling
// terminal: it asks the user to clear the check in the (headful) browser
// window and waits for confirmation on stdin.
type terminalPrompter struct{}

func (terminalPrompter) Present(ctx context.Context, origin string) (bool, error) {
	fmt.Fprintf(os.Stderr, "\n%s is asking for verification.\n", origin)
	fmt.Fprintln(os.Stderr, "Complete the check in the browser window, then press Enter (or type 'skip'):")

	lines := make(chan string, 1)
	go func() {
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			lines <- "skip"
			return
		}
		lines <- strings.TrimSpace(line)
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case line := <-lines:
		return !strings.EqualFold(line, "skip"), nil
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Hostname()
}
