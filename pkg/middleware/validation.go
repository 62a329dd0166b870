package middleware

import (
	"context"
	"fmt"

	"github.com/asaskevich/govalidator"

	"github.com/teamcloud/orchestrator/pkg/model"
)

// Validation rejects malformed commands before they reach the engine.
// Struct tags drive field validation; command-type specific payload checks
// run afterwards.
func Validation() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, cmd *model.Command) (*model.CommandResult, error) {
			if _, err := govalidator.ValidateStruct(cmd); err != nil {
				return nil, fmt.Errorf("%w: %v", model.ErrInvalidCommand, err)
			}
			if err := validatePayload(cmd); err != nil {
				return nil, fmt.Errorf("%w: %v", model.ErrInvalidCommand, err)
			}
			return next.Handle(ctx, cmd)
		})
	}
}

func validatePayload(cmd *model.Command) error {
	switch cmd.Type {
	case model.ProjectCreate, model.ProjectDelete, model.ProjectUserUpdate:
		if cmd.ProjectID == "" {
			return fmt.Errorf("projectId is required for %s", cmd.Type)
		}
	case model.ProviderCreate:
		var provider model.Provider
		if err := cmd.UnmarshalPayload(&provider); err != nil {
			return err
		}
		if _, err := govalidator.ValidateStruct(&provider); err != nil {
			return err
		}
	case model.ProviderRegister:
		// Payload is an optional provider id.
	default:
		return fmt.Errorf("unsupported command type %q", cmd.Type)
	}
	return nil
}
