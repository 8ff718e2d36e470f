package main

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fortressi/sagaflow"
)

// stub is a step body that only logs its effect and returns a synthetic
// resource id.
type stub struct {
	logger *zap.Logger
}

func (s stub) do(effect string) sagaflow.ActionFunc {
	return func(ctx context.Context, args sagaflow.Args) (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.logger.Info(effect,
			zap.String("correlation_id", args.Exec.CorrelationID),
			zap.String("step", args.Step),
			zap.String("event_id", args.Event.ID))
		return fmt.Sprintf("%s-%s", args.Step, args.Exec.CorrelationID), nil
	}
}

func (s stub) undo(effect string) sagaflow.CompensateFunc {
	return func(_ context.Context, value any, ec *sagaflow.ExecutionContext) error {
		s.logger.Info(effect,
			zap.String("correlation_id", ec.CorrelationID),
			zap.Any("value", value))
		return nil
	}
}

// requireInput fails the step when a top-level input is absent or empty.
func requireInput(args sagaflow.Args, name string) (any, error) {
	v, ok := args.Input(name)
	if !ok || v == nil || v == "" {
		return nil, fmt.Errorf("input %q is required", name)
	}
	return v, nil
}

func registerSagas(reg *sagaflow.Registry, logger *zap.Logger) error {
	s := stub{logger: logger}

	userProvisioning, err := sagaflow.NewDefinition("user_provisioning").
		Input("user_id", "email").
		Step(sagaflow.StepSpec{
			Name:      "create_account",
			DependsOn: []string{"user_id", "email"},
			Action: func(ctx context.Context, args sagaflow.Args) (any, error) {
				if _, err := requireInput(args, "email"); err != nil {
					return nil, err
				}
				return s.do("account created")(ctx, args)
			},
			Compensate: s.undo("account deleted"),
		}).
		Parallel(
			sagaflow.StepSpec{
				Name:       "provision_vault",
				Action:     s.do("vault provisioned"),
				Compensate: s.undo("vault revoked"),
				MaxRetries: 2,
			},
			sagaflow.StepSpec{
				Name:       "assign_roles",
				Action:     s.do("roles assigned"),
				Compensate: s.undo("roles removed"),
			},
		).
		Then(sagaflow.StepSpec{
			Name:     "notify",
			Action:   s.do("welcome notification sent"),
			Returned: true,
		}).
		Build()
	if err != nil {
		return err
	}

	modelPromotion, err := sagaflow.NewDefinition("model_promotion").
		Input("model_id", "min_score").
		Step(sagaflow.StepSpec{
			Name:      "validate_metrics",
			DependsOn: []string{"model_id", "min_score"},
			Action: func(ctx context.Context, args sagaflow.Args) (any, error) {
				score, hasScore := sagaflow.InputAs[float64](args, "score")
				threshold, _ := sagaflow.InputAs[float64](args, "min_score")
				if hasScore && score < threshold {
					return nil, fmt.Errorf("score %.3f below promotion threshold %.3f", score, threshold)
				}
				return s.do("metrics validated")(ctx, args)
			},
		}).
		Then(sagaflow.StepSpec{
			Name:       "snapshot_current",
			Action:     s.do("current model snapshotted"),
			Compensate: s.undo("snapshot discarded"),
		}).
		Then(sagaflow.StepSpec{
			Name:       "promote",
			Action:     s.do("model promoted"),
			Compensate: s.undo("previous model restored"),
			Returned:   true,
		}).
		Then(sagaflow.StepSpec{
			Name:       "warm_cache",
			Action:     s.do("inference cache warmed"),
			MaxRetries: 3,
		}).
		Build()
	if err != nil {
		return err
	}

	nasPipeline, err := sagaflow.NewDefinition("nas_pipeline").
		Input("search_space").
		Step(sagaflow.StepSpec{
			Name:       "reserve_gpu",
			DependsOn:  []string{"search_space"},
			Action:     s.do("gpu reserved"),
			Compensate: s.undo("gpu released"),
		}).
		Then(sagaflow.StepSpec{
			Name:       "submit_search",
			Action:     s.do("search job submitted"),
			Compensate: s.undo("search job cancelled"),
		}).
		Then(sagaflow.StepSpec{
			Name:   "await_job",
			Action: awaitJob,
		}).
		Then(sagaflow.StepSpec{
			Name:       "register_best_model",
			Action:     s.do("best model registered"),
			Compensate: s.undo("model registration removed"),
			Returned:   true,
		}).
		Build()
	if err != nil {
		return err
	}

	return multierr.Combine(
		reg.Register(userProvisioning),
		reg.Register(modelPromotion),
		reg.Register(nasPipeline),
	)
}

// awaitJob halts until the trainer callback resumes the saga with a
// job_status input.
func awaitJob(_ context.Context, args sagaflow.Args) (any, error) {
	job, _ := sagaflow.Arg[string](args, "submit_search")
	status, ok := sagaflow.InputAs[string](args, "job_status")
	if !ok {
		return nil, sagaflow.Halt(map[string]any{"job": job})
	}
	switch status {
	case "succeeded":
		best, _ := args.Input("best_model")
		return map[string]any{"job": job, "best_model": best}, nil
	case "failed":
		return nil, fmt.Errorf("search job %s failed", job)
	default:
		return nil, sagaflow.Halt(map[string]any{"job": job, "last_status": status})
	}
}
