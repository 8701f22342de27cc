package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openrollout/rollout/pkg/engine"
	"github.com/openrollout/rollout/pkg/workflow"
)

// resolveInterventions polls the engine's intervention queue and prompts the
// operator on stdin for each pending request. It runs alongside an
// interactive workflow run and stops when the context is cancelled.
func resolveInterventions(ctx context.Context, eng *engine.Engine) {
	reader := bufio.NewReader(os.Stdin)
	seen := make(map[string]bool)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, req := range eng.ListPendingInterventions() {
			if seen[req.ID] {
				continue
			}
			seen[req.ID] = true

			fmt.Printf("\nManual intervention required for step %s\n", req.StepName)
			fmt.Printf("  error: %s", req.ErrorMessage)
			if req.ErrorCode != "" {
				fmt.Printf(" (%s)", req.ErrorCode)
			}
			fmt.Println()
			for _, action := range req.SuggestedActions {
				fmt.Printf("  suggestion: %s\n", action)
			}
			fmt.Print("Decision [retry/skip/rollback/abort]: ")

			answer, err := reader.ReadString('\n')
			if err != nil {
				log.Warn().Err(err).Msg("Reading intervention decision failed, aborting step")
				answer = "abort"
			}
			decision := workflow.RecoveryType(strings.ToLower(strings.TrimSpace(answer)))
			if decision.Validate() != nil {
				fmt.Println("Unrecognized decision, aborting step")
				decision = workflow.RecoveryAbort
			}

			if _, err := eng.ResolveIntervention(req.ID, decision); err != nil {
				log.Warn().Err(err).Str("intervention", req.ID).Msg("Resolving intervention failed")
			}
		}
	}
}
