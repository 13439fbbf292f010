package dtach

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/mordilloSan/go-logger/logger"
	"github.com/shirou/gopsutil/v4/process"
)

// SocketPath names the socket for one terminal:
// <sessionDir>/<sessionID>/dtach_<location>_<term>.
func SocketPath(sessionDir, sessionID, location string, term int) string {
	return filepath.Join(sessionDir, sessionID, fmt.Sprintf("dtach_%s_%d", location, term))
}

// KillAll terminates every dtach daemon whose socket lives under sessionDir
// and removes leftover sockets. It returns the number of daemons signalled.
func KillAll(sessionDir string) (int, error) {
	root, err := filepath.Abs(sessionDir)
	if err != nil {
		return 0, err
	}
	procs, err := process.Processes()
	if err != nil {
		return 0, fmt.Errorf("list processes: %w", err)
	}
	self := int32(os.Getpid())
	killed := 0
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		argv, err := p.CmdlineSlice()
		if err != nil || !isDaemon(argv, root) {
			continue
		}
		if err := p.Terminate(); err != nil {
			logger.Warnf("[Dtach] terminate pid=%d: %v", p.Pid, err)
			continue
		}
		logger.Infof("[Dtach] terminated daemon pid=%d", p.Pid)
		killed++
	}

	sockets, _ := filepath.Glob(filepath.Join(root, "*", "dtach_*"))
	for _, s := range sockets {
		if !Alive(s) {
			_ = os.Remove(s)
		}
	}
	return killed, nil
}

// isDaemon matches "<exe> dtach -socket <root>/...".
func isDaemon(argv []string, root string) bool {
	if len(argv) < 4 || argv[1] != "dtach" {
		return false
	}
	i := slices.Index(argv, "-socket")
	if i < 0 || i+1 >= len(argv) {
		return false
	}
	return strings.HasPrefix(filepath.Clean(argv[i+1]), root+string(filepath.Separator))
}
