// Package pop3proxy implements the POP3 pre-login protocol driver: the
// state machine that turns a backend's banner into an authenticated
// session, handling STARTTLS, XCLIENT forwarding, USER/PASS, SASL AUTH,
// and REFERRAL redirects, and drives it via server/proxy's Controller.
package pop3proxy
