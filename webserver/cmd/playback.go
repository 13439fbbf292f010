package cmd

import (
	"bufio"
	"flag"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/liftoff/GateOne-sub000/common/golog"
	"github.com/liftoff/GateOne-sub000/terminal"
)

var playbackPage = template.Must(template.New("playback").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { background: #000; color: #ccc; margin: 0; }
header { font: 13px sans-serif; padding: 6px 10px; background: #222; }
pre { font: 14px/1.2 monospace; margin: 10px; }
{{.Style}}
</style>
</head>
<body>
<header>{{.Title}} &middot; <span id="clock"></span></header>
<pre id="screen"></pre>
<script>
const frames = {{.Frames}};
const screen = document.getElementById("screen");
const clock = document.getElementById("clock");
let i = 0;
function show() {
  const f = frames[i];
  screen.innerHTML = f.screen.join("\n");
  clock.textContent = new Date(f.time).toLocaleString();
  if (++i < frames.length) {
    setTimeout(show, Math.min(frames[i].time - f.time, 2000));
  }
}
if (frames.length) show();
</script>
</body>
</html>
`))

var ansiColors = []string{
	"#000000", "#cd0000", "#00cd00", "#cdcd00", "#0000ee", "#cd00cd", "#00cdcd", "#e5e5e5",
	"#7f7f7f", "#ff0000", "#00ff00", "#ffff00", "#5c5cff", "#ff00ff", "#00ffff", "#ffffff",
}

// playbackStyle covers the classes the emulator emits for the 16 base colors
// and the text attributes.
func playbackStyle(p string) template.CSS {
	var b strings.Builder
	for i, c := range ansiColors {
		fmt.Fprintf(&b, ".%sf%d{color:%s}.%sb%d{background-color:%s}\n", p, i, c, p, i, c)
	}
	fmt.Fprintf(&b, ".%sbold{font-weight:bold}.%sdim{opacity:.6}.%sitalic{font-style:italic}\n", p, p, p)
	fmt.Fprintf(&b, ".%sunderline{text-decoration:underline}.%sstrikethrough{text-decoration:line-through}\n", p, p)
	fmt.Fprintf(&b, ".%sreverse{filter:invert(100%%)}.%sinvisible{visibility:hidden}\n", p, p)
	fmt.Fprintf(&b, ".%scursor{background:#ccc;color:#000}\n", p)
	return template.CSS(b.String())
}

func runPlayback(args []string) int {
	fs := flag.NewFlagSet("playback", flag.ContinueOnError)
	flat := fs.Bool("flat", false, "write plain text instead of HTML")
	out := fs.String("out", "", "output file (stdout when empty)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: gateone playback [-flat] [-out file] <log.golog>")
		return 2
	}
	if err := playback(fs.Arg(0), *out, *flat); err != nil {
		fmt.Fprintf(os.Stderr, "playback: %v\n", err)
		return 1
	}
	return 0
}

// playback renders the log at path into out.
func playback(path, out string, flat bool) (err error) {
	meta, frames, err := golog.ReadFile(path)
	if err != nil {
		return err
	}
	var w io.Writer = os.Stdout
	if out != "" {
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}()
		w = f
	}
	bw := bufio.NewWriter(w)
	if flat {
		err = golog.Flatten(frames, bw)
	} else {
		err = renderPlayback(bw, filepath.Base(path), meta, frames)
	}
	if err != nil {
		return err
	}
	return bw.Flush()
}

func renderPlayback(w io.Writer, name string, meta golog.Metadata, frames []golog.Frame) error {
	title := name
	if meta.User != "" {
		title = fmt.Sprintf("%s (%s, %s)", name, meta.User,
			time.UnixMilli(meta.StartDate).Format(time.RFC3339))
	}
	return playbackPage.Execute(w, map[string]any{
		"Title":  title,
		"Style":  playbackStyle(terminal.DefaultClassPrefix),
		"Frames": golog.Render(meta, frames),
	})
}
