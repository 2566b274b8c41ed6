// Package email delivers the confirmation and result mails of a launched
// request through SMTP or AWS SES, and renders the result summary.
package email

import (
	"errors"
	"fmt"
	"net/textproto"

	"odds/internal/types"
)

// mapSMTPError classifies a failed SMTP conversation. Transient (4xx) replies
// are retryable; permanent (5xx) replies for a recipient are address errors.
func mapSMTPError(err error) error {
	var reply *textproto.Error
	if errors.As(err, &reply) {
		switch {
		case reply.Code == 421 || reply.Code == 450 || reply.Code == 451 || reply.Code == 452:
			return types.NewAppError(types.ErrCodeUpstreamRateLimited,
				fmt.Sprintf("smtp: %d %s", reply.Code, reply.Msg), err)
		case reply.Code == 550 || reply.Code == 553:
			return types.NewAppError(types.ErrCodeValidationInvalidEmail,
				fmt.Sprintf("smtp: %d %s", reply.Code, reply.Msg), err)
		}
	}
	return types.NewAppError(types.ErrCodeUpstreamEmailProvider, err.Error(), err)
}
