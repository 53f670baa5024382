package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	apierr "github.com/stepscope/stepscope/pkg/api/types/errors"
	apitrials "github.com/stepscope/stepscope/pkg/api/types/trials"
	"github.com/stepscope/stepscope/pkg/domain/mode"
	"github.com/stepscope/stepscope/pkg/domain/trial"
)

func TrialSummaryHandler(t *trial.Trial) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		workers, err := t.Workers(ctx)
		if err != nil {
			return apierr.InternalServerError(err)
		}

		return c.JSON(http.StatusOK, apitrials.ComposeSummary(
			t.Name(), t.Ended(), t.Watermark(), t.Modes(), workers,
		))
	}
}

// GetTensorsHandler lists tensor names; `?match=` query parameters
// restrict the listing to names matching any of the (anchored)
// patterns.
func GetTensorsHandler(t *trial.Trial) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		var names []string
		var err error
		if patterns := c.QueryParams()["match"]; 0 < len(patterns) {
			names, err = t.TensorNamesMatching(ctx, patterns)
			if err != nil {
				return apierr.BadRequest("match patterns should be valid regular expressions", err)
			}
		} else if names, err = t.TensorNames(ctx); err != nil {
			return apierr.InternalServerError(err)
		}

		return c.JSON(http.StatusOK, apitrials.TensorList{Tensors: names})
	}
}

// GetTensorValuesHandler materializes the values of one tensor at a
// step. Query parameters: `name` (required; tensor names contain
// slashes, so no path parameter), `step` (required, mode-local),
// `mode` (default GLOBAL), `worker` (default: every reporting worker),
// and `op`+`abs` to read a reduction instead of the primary value.
func GetTensorValuesHandler(t *trial.Trial) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		name := c.QueryParam("name")
		if name == "" {
			return apierr.BadRequest("tensor name is required", nil)
		}

		m, err := mode.Parse(c.QueryParam("mode"))
		if err != nil {
			return apierr.BadRequest("unknown mode", err)
		}
		step, err := strconv.Atoi(c.QueryParam("step"))
		if err != nil {
			return apierr.BadRequest("step should be an integer", err)
		}

		tn, err := t.Tensor(ctx, name)
		if err != nil {
			var unavail *trial.ErrTensorUnavailable
			if errors.As(err, &unavail) {
				return apierr.NotFound("tensor not found", err)
			}
			return apierr.InternalServerError(err)
		}

		workers := tn.Workers(m, step)
		if w := c.QueryParam("worker"); w != "" {
			workers = []string{w}
		}

		op := c.QueryParam("op")
		abs := c.QueryParam("abs") == "true"

		values := make([]apitrials.TensorValue, 0, len(workers))
		for _, w := range workers {
			var v []float64
			var err error
			if op != "" {
				v, err = tn.ReductionValue(ctx, m, step, w, op, abs)
			} else {
				v, err = tn.Value(ctx, m, step, w)
			}
			if err != nil {
				return apierr.NotFound("no value at the requested coordinate", err)
			}
			values = append(values, apitrials.TensorValue{
				Name: name, Mode: m.String(), Step: step, Worker: w, Values: v,
			})
		}

		return c.JSON(http.StatusOK, values)
	}
}

// GetStepsHandler lists the steps of a mode (`?mode=`, default GLOBAL),
// complete ones and all known ones.
func GetStepsHandler(t *trial.Trial) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		m, err := mode.Parse(c.QueryParam("mode"))
		if err != nil {
			return apierr.BadRequest("unknown mode", err)
		}

		complete, err := t.Steps(ctx, m)
		if err != nil {
			return apierr.InternalServerError(err)
		}
		all, err := t.AllSteps(ctx, m)
		if err != nil {
			return apierr.InternalServerError(err)
		}

		return c.JSON(http.StatusOK, apitrials.StepList{
			Mode: m.String(), CompleteSteps: complete, AllSteps: all,
		})
	}
}

func GetCollectionsHandler(t *trial.Trial) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		collections, err := t.Collections(ctx)
		if err != nil {
			return apierr.InternalServerError(err)
		}

		resp := make([]apitrials.Collection, 0, len(collections))
		for _, col := range collections {
			resp = append(resp, apitrials.ComposeCollection(col, nil))
		}
		return c.JSON(http.StatusOK, resp)
	}
}

func GetCollectionHandler(t *trial.Trial, paramName string) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		name := c.Param(paramName)

		col, ok, err := t.Collection(ctx, name)
		if err != nil {
			return apierr.InternalServerError(err)
		}
		if !ok {
			return apierr.NotFound("collection not found", nil)
		}

		members, err := t.TensorsInCollection(ctx, name)
		if err != nil {
			return apierr.InternalServerError(err)
		}
		return c.JSON(http.StatusOK, apitrials.ComposeCollection(col, members))
	}
}

// PostWaitHandler blocks until the requested steps complete. The wait
// is bounded by the request context: a client disconnect aborts it.
func PostWaitHandler(t *trial.Trial) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		var req apitrials.WaitRequest
		if err := c.Bind(&req); err != nil {
			return apierr.BadRequest("request body should be a wait request", err)
		}
		m, err := mode.Parse(req.Mode)
		if err != nil {
			return apierr.BadRequest("unknown mode", err)
		}

		if err := t.WaitForSteps(ctx, req.Steps, m); err != nil {
			var noMore *trial.ErrNoMoreData
			var unavail *trial.ErrStepUnavailable
			switch {
			case errors.As(err, &noMore):
				return apierr.Gone("the training job ended before the requested step", err)
			case errors.As(err, &unavail):
				return apierr.Gone("the requested step was skipped and will never complete", err)
			default:
				return apierr.InternalServerError(err)
			}
		}

		return c.JSON(http.StatusOK, apitrials.WaitResponse{
			Mode: m.String(), Steps: req.Steps,
		})
	}
}
