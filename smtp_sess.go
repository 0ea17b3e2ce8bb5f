package email

import (
	"context"
)

/*
SendDirect runs one complete unpooled session:

	connect -> EHLO -> [STARTTLS -> EHLO] -> AUTH -> MAIL/RCPT/DATA -> QUIT

The connection is closed on every path.
*/
func SendDirect(ctx context.Context, cfg ConnectionConfig, e *Email) (msgID string, E error) {

	if e == nil {
		return "", ErrMissingToOrFrom
	}

	// check envelope before dialing
	if _, E = e.EnvelopeFrom(); E != nil {
		return
	}
	if _, E = e.Recipients(); E != nil {
		return
	}

	pCli, E := cfg.Dial(ctx)
	if E != nil {
		return "", E
	}
	defer pCli.Quit()

	return pCli.SendMail(ctx, e)
}
