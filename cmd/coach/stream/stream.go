package streamcmder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const streamLongDesc string = `Follow a coach event stream and print its output.

Tokens are printed as they arrive, followed by the final result. With
--render the final result is rendered as markdown; JSON results are
pretty-printed. With --raw the event stream is copied verbatim.

Examples:
  coach stream http://localhost:8080/api/ollama/greeting
  coach stream --render "http://localhost:8080/api/resumes/<id>/learning-path?deltas=true"`

const streamShortDesc string = "Follow a coach event stream"

const defaultWidth = 80

type streamCommander struct {
	raw       bool
	render    bool
	keepalive bool
	noColor   bool
}

func NewStreamCmd() *cobra.Command {
	cmder := &streamCommander{}

	cmd := &cobra.Command{
		Use:   "stream <url>",
		Short: streamShortDesc,
		Long:  streamLongDesc,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}

	cmd.Flags().BoolVar(&cmder.raw, "raw", false, "Copy the event stream verbatim")
	cmd.Flags().BoolVar(&cmder.render, "render", false, "Render the final result as markdown")
	cmd.Flags().BoolVar(&cmder.keepalive, "keepalive", false, "Show keepalive events")
	cmd.Flags().BoolVar(&cmder.noColor, "no-color", false, "Disable colored output")

	return cmd
}

// ErrStream is returned when the stream ended with an error event.
var ErrStream = errors.New("stream failed")

func (c *streamCommander) run(ctx context.Context, out io.Writer, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if c.raw {
		_, err := io.Copy(out, resp.Body)
		return err
	}

	styles := newStyles(out, c.noColor)
	reader := NewReader(resp.Body)
	streamed := false

	for {
		ev, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("could not read stream: %w", err)
		}

		// Model output is untrusted; terminal escape sequences are dropped.
		ev.Data = ansi.Strip(ev.Data)

		switch ev.Event {
		case "", "message":
			fmt.Fprint(out, ev.Data)
			streamed = true

		case "keepalive":
			if c.keepalive {
				fmt.Fprintln(out, styles.muted.Render("[keepalive]"))
			}

		case "final":
			if streamed {
				fmt.Fprintln(out)
			}
			fmt.Fprintln(out, styles.header.Render("Result"))
			fmt.Fprintln(out, c.formatFinal(out, ev.Data))

		case "error":
			if streamed {
				fmt.Fprintln(out)
			}
			fmt.Fprintln(out, styles.err.Render("Error: "+ev.Data))
			return fmt.Errorf("%w: %s", ErrStream, ev.Data)
		}
	}
}

// formatFinal pretty-prints JSON results and renders markdown on request.
func (c *streamCommander) formatFinal(out io.Writer, data string) string {
	text := data
	isJSON := false

	var pretty bytes.Buffer
	if json.Valid([]byte(data)) && strings.HasPrefix(strings.TrimSpace(data), "{") {
		if err := json.Indent(&pretty, []byte(data), "", "  "); err == nil {
			text = pretty.String()
			isJSON = true
		}
	}

	if !c.render {
		return text
	}

	markdown := text
	if isJSON {
		markdown = "```json\n" + text + "\n```"
	}

	style := glamour.WithAutoStyle()
	if c.noColor {
		style = glamour.WithStandardStyle("notty")
	}
	renderer, err := glamour.NewTermRenderer(
		style,
		glamour.WithWordWrap(terminalWidth(out)),
	)
	if err != nil {
		return text
	}
	rendered, err := renderer.Render(markdown)
	if err != nil {
		return text
	}
	if c.noColor {
		rendered = ansi.Strip(rendered)
	}
	return strings.TrimRight(rendered, "\n")
}

type styles struct {
	header lipgloss.Style
	muted  lipgloss.Style
	err    lipgloss.Style
}

// newStyles binds the styles to out so nothing is colored when out is not a
// terminal.
func newStyles(out io.Writer, noColor bool) styles {
	var opts []termenv.OutputOption
	if noColor {
		opts = append(opts, termenv.WithProfile(termenv.Ascii))
	}
	r := lipgloss.NewRenderer(out, opts...)
	return styles{
		header: r.NewStyle().Foreground(lipgloss.Color("#05ffa1")).Bold(true),
		muted:  r.NewStyle().Foreground(lipgloss.Color("#9ca3d8")),
		err:    r.NewStyle().Foreground(lipgloss.Color("#ff71ce")).Bold(true),
	}
}

func terminalWidth(out io.Writer) int {
	f, ok := out.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return defaultWidth
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return defaultWidth
	}
	return width
}
