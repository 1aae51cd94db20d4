package flowgate

import (
	"context"
	"errors"
	"os"
	"strings"

	"encore.dev/beta/auth"
	"encore.dev/beta/errs"
	"encore.dev/middleware"
	"encore.dev/rlog"

	"github.com/flowgate/flowgate/internal/engineauth"
	"github.com/flowgate/flowgate/internal/flowgatecore"
	"github.com/flowgate/flowgate/internal/platformauth"
	"github.com/flowgate/flowgate/internal/webhookguard"
)

// AdminMiddleware enforces admin access for tagged endpoints.
//
//encore:middleware target=tag:admin
func (s *Service) AdminMiddleware(req middleware.Request, next middleware.Next) middleware.Response {
	userData := auth.Data()
	if userData == nil {
		return middleware.Response{
			Err: &errs.Error{
				Code:    errs.Unauthenticated,
				Message: "authentication required",
			},
		}
	}
	user, ok := userData.(*AuthUser)
	if !ok || user == nil {
		return middleware.Response{
			Err: &errs.Error{
				Code:    errs.Internal,
				Message: "invalid user data format",
			},
		}
	}
	if !user.IsAdmin {
		rlog.Debug("admin access denied", "user", user.Email)
		return middleware.Response{
			Err: &errs.Error{
				Code:    errs.PermissionDenied,
				Message: "admin access required",
			},
		}
	}
	return next(req)
}

//encore:middleware target=all
func (s *Service) ErrorNormalizationMiddleware(req middleware.Request, next middleware.Next) middleware.Response {
	resp := next(req)
	if resp.Err == nil {
		return resp
	}
	var e *errs.Error
	if errors.As(resp.Err, &e) {
		return resp
	}
	resp.Err = normalizeError(resp.Err)
	return resp
}

func normalizeError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errs.B().Code(errs.DeadlineExceeded).Msg("deadline exceeded").Err()
	case errors.Is(err, context.Canceled):
		return errs.B().Code(errs.Canceled).Msg("request canceled").Err()
	case errors.Is(err, platformauth.ErrUnauthenticated):
		return errs.B().Code(errs.Unauthenticated).Msg("authentication required").Err()
	case errors.Is(err, platformauth.ErrNotFound):
		return errs.B().Code(errs.NotFound).Msg("not found").Err()
	case errors.Is(err, engineauth.ErrUnprovisioned):
		return errs.B().Code(errs.FailedPrecondition).Msg(engineauth.ErrUnprovisioned.Error()).Err()
	case errors.Is(err, engineauth.ErrUpstreamUnreachable):
		return errs.B().Code(errs.Unavailable).Msg("engine unreachable").Err()
	case errors.Is(err, engineauth.ErrUpstreamRejected):
		return errs.B().Code(errs.Unavailable).Msg("engine rejected request").Err()
	case errors.Is(err, webhookguard.ErrWorkspaceMismatch):
		return errs.B().Code(errs.PermissionDenied).Msg("workflow belongs to another workspace").Err()
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		msg = "internal error"
	}
	return errs.B().Code(errs.Internal).Msg(msg).Err()
}

//encore:middleware target=all
func (s *Service) ResponseHeadersMiddleware(req middleware.Request, next middleware.Next) middleware.Response {
	resp := next(req)

	h := resp.Header()
	h.Set(flowgatecore.HeaderAPIVersion, flowgatecore.APIVersion)
	if build := strings.TrimSpace(os.Getenv("APP_VERSION")); build != "" {
		h.Set(flowgatecore.HeaderBuild, build)
	}
	return resp
}
