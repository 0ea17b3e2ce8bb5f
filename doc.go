/*
Yet another SMTP client!  Speaks the wire protocol itself (EHLO, STARTTLS,
AUTH LOGIN/PLAIN/OAUTHBEARER/XOAUTH2, MAIL/RCPT/DATA), composes MIME
messages, and pools authenticated sessions per host:port:user.

Simple Usage

	cfg := email.ConnectionConfig{
	  Host:       "mx.test.com",
	  Port:       587,
	  RequireTLS: true,
	  Auth:       email.BasicAuth("test@test.com", "...", email.MechLOGIN),
	  // SMTPLog:  "-",  // note: uncomment to log SMTP session to STDOUT
	}

	oEmail := email.NewEmail()
	oEmail.From    = "test@test.com"
	oEmail.To      = []string{"test_receiver@eggplant.pro"}
	oEmail.Subject = "Test Message"
	oEmail.Text    = []byte("Whoomp there it is!")

	msgID, E := email.SendDirect(ctx, cfg, oEmail)
	if E != nil { return E }

Pooled Usage

	m := email.NewMailer(email.WithLogger(zapLogger))
	defer m.Close()

	pooled := true
	res := m.Send(ctx, email.SendRequest{
	  Message: oEmail,
	  Host:    "mx.test.com",
	  Auth:    email.BasicAuth("test@test.com", "...", email.MechPLAIN),
	  Pooled:  &pooled,
	})
	if !res.Success { return res.Err }

Advanced Usage

	See implementation of SendDirect() and Pool.Send()
*/
package email
