// hooks.go holds the fixed capability struct of optional handlers a
// torrent invokes synchronously under the session lock, and the
// torrent-done script spawn that fires alongside the completeness hook.
package torrentengine

import (
	"log"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/haldane/torrentd/internal/completion"
)

// appVersion is reported to the torrent-done script as TR_APP_VERSION.
const appVersion = "torrentd/0.3.0"

// Hooks is the fixed set of optional handlers stored on a torrent.
// Handlers run synchronously under the session lock; there is no dynamic
// registration list, a nil field simply means "not observed".
type Hooks struct {
	// CompletenessChanged fires whenever recheck_completeness observes a
	// status transition. wasRunning is the running flag at the moment of
	// the transition.
	CompletenessChanged func(status completion.Status, wasRunning bool)

	// RatioLimitHit fires when a seeding torrent reaches its desired ratio.
	RatioLimitHit func()

	// IdleLimitHit fires when a seeding torrent exceeds its idle limit.
	IdleLimitHit func()
}

func (t *Torrent) fireCompletenessChange(status completion.Status, wasRunning bool) {
	if t.Hooks.CompletenessChanged != nil {
		t.Hooks.CompletenessChanged(status, wasRunning)
	}
}

// doneScriptEnv builds the extra environment handed to the torrent-done
// script. TR_TIME_LOCALTIME uses the ctime layout with the trailing
// newline already absent.
func (t *Torrent) doneScriptEnv(now time.Time) []string {
	return []string{
		"TR_APP_VERSION=" + appVersion,
		"TR_TIME_LOCALTIME=" + now.Format(time.ANSIC),
		"TR_TORRENT_DIR=" + t.CurrentDir,
		"TR_TORRENT_ID=" + strconv.FormatUint(t.ID, 10),
		"TR_TORRENT_HASH=" + t.InfoHash.HexString(),
		"TR_TORRENT_NAME=" + t.DisplayName(),
	}
}

// runDoneScript spawns the configured torrent-done script detached. The
// exit status is not consumed; the reaping goroutine only prevents a
// zombie process.
func (t *Torrent) runDoneScript() {
	if t.DoneScript == "" {
		return
	}
	cmd := exec.Command(t.DoneScript)
	cmd.Env = append(os.Environ(), t.doneScriptEnv(time.Now())...)
	if err := cmd.Start(); err != nil {
		log.Printf("[lifecycle] %s: torrent-done script %s: %v", t.short(), t.DoneScript, err)
		return
	}
	log.Printf("[lifecycle] %s: spawned torrent-done script %s (pid %d)", t.short(), t.DoneScript, cmd.Process.Pid)
	go func() { _ = cmd.Wait() }()
}
