package gate

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/kokistudios/harness/internal/feature"
	"github.com/kokistudios/harness/internal/session"
	"github.com/kokistudios/harness/internal/store"
)

const (
	maxImplementedListed = 5
	maxFailedListed      = 3
	maxFailedLineLen     = 100
)

// Result is the gate's decision for a stop attempt.
type Result struct {
	Allow   bool
	Reason  string
	Context string
	// Features lists the ids that caused a block.
	Features []string
}

// Evaluate applies the stop-time verification policy. Checks run in order
// and only the first blocking class is reported:
//
//  1. harness not initialized: allow
//  2. registry missing or unreadable: allow
//  3. implemented but unverified features: block
//  4. failed features: block
//  5. otherwise allow
func Evaluate(s *store.Store, logger *log.Logger) Result {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if !session.IsInitialized(s) {
		return Result{Allow: true}
	}
	if !feature.Exists(s) {
		return Result{Allow: true}
	}

	list, err := feature.Load(s)
	if err != nil {
		if errors.Is(err, store.ErrCorrupt) {
			logger.Warn("feature registry unreadable, verification gate skipped", "err", err)
		}
		return Result{Allow: true}
	}

	if pending := list.ImplementedUnverified(); len(pending) > 0 {
		return blockImplemented(pending)
	}
	if failed := list.Failed(); len(failed) > 0 {
		return blockFailed(failed)
	}
	return Result{Allow: true}
}

func blockImplemented(fs []feature.Feature) Result {
	var b strings.Builder
	fmt.Fprintf(&b, "**%d feature(s) implemented but not verified:**\n", len(fs))
	for i, f := range fs {
		if i == maxImplementedListed {
			fmt.Fprintf(&b, "  ... and %d more\n", len(fs)-maxImplementedListed)
			break
		}
		fmt.Fprintf(&b, "  - **%s**: %s\n", f.ID, f.Description)
	}

	first := fs[0]
	b.WriteString("\nRun each feature's verification command, then record the result:\n")
	b.WriteString("```bash\n")
	if first.Verification != "" {
		b.WriteString(first.Verification + "\n")
	}
	fmt.Fprintf(&b, "harness feature update %s verified --output \"<test output>\"\n", first.ID)
	fmt.Fprintf(&b, "harness feature update %s failed --output \"<test output>\"\n", first.ID)
	b.WriteString("```\n\n")
	b.WriteString("If verification is not possible right now, you can:\n")
	fmt.Fprintf(&b, "- Reset to pending: `harness feature update %s pending`\n", first.ID)
	b.WriteString("- Continue implementing")

	return Result{
		Reason:   "Unverified features detected",
		Context:  b.String(),
		Features: ids(fs),
	}
}

func blockFailed(fs []feature.Feature) Result {
	var b strings.Builder
	fmt.Fprintf(&b, "**%d feature(s) failed verification:**\n", len(fs))
	for i, f := range fs {
		if i == maxFailedListed {
			break
		}
		out := f.Output()
		if out == "" {
			out = "No output"
		}
		line := fmt.Sprintf("  - **%s**: %s", f.ID, strings.Join(strings.Fields(out), " "))
		b.WriteString(truncate(line, maxFailedLineLen) + "\n")
	}
	b.WriteString("\nFix failures before completing session, or reset status:\n")
	b.WriteString("```bash\n")
	fmt.Fprintf(&b, "harness feature update %s in_progress\n", fs[0].ID)
	b.WriteString("```")

	return Result{
		Reason:   "Failed verifications detected",
		Context:  b.String(),
		Features: ids(fs),
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func ids(fs []feature.Feature) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.ID
	}
	return out
}
