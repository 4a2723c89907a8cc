package runs

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/rs/zerolog/log"

	"github.com/runflow/controlplane/internal/browserdriver"
	"github.com/runflow/controlplane/internal/humanize"
	"github.com/runflow/controlplane/internal/types"
)

// DefaultInterpreter plays a robot's recorded Steps back against a fresh
// page in the run's browser session, using humanized input so recorded
// clicks/typing don't look scripted to the target site.
type DefaultInterpreter struct{}

// NewDefaultInterpreter returns the production Interpreter.
func NewDefaultInterpreter() *DefaultInterpreter { return &DefaultInterpreter{} }

func (i *DefaultInterpreter) Run(ctx context.Context, session *browserdriver.Session, robot *types.Robot, inputs map[string]string) (*Result, error) {
	page, err := session.NewPage(ctx)
	if err != nil {
		return nil, types.NewDriverError("new_page", "failed to open page for run", err)
	}
	defer page.Close()

	rodPage := page.Rod()
	mouse := humanize.NewMouse(rodPage)

	if robot.TargetURL != "" {
		if err := rodPage.Context(ctx).Navigate(robot.TargetURL); err != nil {
			return nil, types.NewDriverError("navigate", "failed to navigate to robot target url", err)
		}
	}

	result := &Result{ScrapeSchema: make(map[string]any)}

	// On any mid-loop failure (including cooperative abort via ctx), the
	// caller still gets back whatever scrapeSchema/scrapeList was already
	// accumulated, so a partial-data run can still be dispatched to
	// integrations rather than discarded outright.
	for idx, step := range robot.Recording {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		switch step.Kind {
		case types.StepNavigate:
			target := resolveInput(step.Value, inputs)
			if err := rodPage.Context(ctx).Navigate(target); err != nil {
				return result, types.NewDriverError("navigate", fmt.Sprintf("step %d: navigate failed", idx), err)
			}

		case types.StepClick:
			el, err := rodPage.Context(ctx).Element(step.Selector)
			if err != nil {
				return result, types.NewDriverError("click", fmt.Sprintf("step %d: element %q not found", idx, step.Selector), err)
			}
			if err := mouse.ClickElement(ctx, el); err != nil {
				return result, types.NewDriverError("click", fmt.Sprintf("step %d: click failed", idx), err)
			}

		case types.StepInput:
			el, err := rodPage.Context(ctx).Element(step.Selector)
			if err != nil {
				return result, types.NewDriverError("input", fmt.Sprintf("step %d: element %q not found", idx, step.Selector), err)
			}
			value := resolveInput(step.Value, inputs)
			if err := el.Input(value); err != nil {
				return result, types.NewDriverError("input", fmt.Sprintf("step %d: input failed", idx), err)
			}

		case types.StepScroll:
			scroller := humanize.NewScroller(rodPage)
			if err := scroller.ScrollBy(ctx, step.Y); err != nil {
				return result, types.NewDriverError("scroll", fmt.Sprintf("step %d: scroll failed", idx), err)
			}

		case types.StepWait:
			if !humanize.SleepWithContext(ctx, humanize.RandomDuration(200, 600)) {
				return result, ctx.Err()
			}

		case types.StepScrapeSchema:
			extracted, err := extractSchema(ctx, rodPage, step.Schema)
			if err != nil {
				log.Warn().Err(err).Int("step", idx).Msg("scrapeSchema step failed, continuing")
				continue
			}
			for k, v := range extracted {
				result.ScrapeSchema[k] = v
			}

		case types.StepScrapeList:
			item, err := extractSchema(ctx, rodPage, step.ListItem)
			if err != nil {
				log.Warn().Err(err).Int("step", idx).Msg("scrapeList step failed, continuing")
				continue
			}
			result.ScrapeList = append(result.ScrapeList, item)

		case types.StepSolveCaptcha:
			// The interpreter does not solve CAPTCHAs; the step is logged
			// and skipped.
			log.Debug().Int("step", idx).Msg("solveCaptcha step reached interpreter without a dispatcher wired; skipping")

		default:
			return result, fmt.Errorf("step %d: unknown step kind %q", idx, step.Kind)
		}
	}

	return result, nil
}

// resolveInput substitutes "${name}" placeholders in a recorded value with
// the run's runtime inputs, falling back to the literal recorded value.
func resolveInput(value string, inputs map[string]string) string {
	if len(value) > 3 && value[0] == '$' && value[1] == '{' && value[len(value)-1] == '}' {
		key := value[2 : len(value)-1]
		if v, ok := inputs[key]; ok {
			return v
		}
	}
	return value
}

// extractSchema evaluates each field's selector against the page and
// returns the matched element's text content keyed by field name. A field
// whose selector matches nothing is omitted rather than failing the step.
func extractSchema(ctx context.Context, page *rod.Page, schema map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(schema))
	for field, raw := range schema {
		selector, ok := raw.(string)
		if !ok {
			continue
		}
		el, err := page.Context(ctx).Element(selector)
		if err != nil {
			continue
		}
		text, err := el.Text()
		if err != nil {
			continue
		}
		out[field] = text
	}
	return out, nil
}
