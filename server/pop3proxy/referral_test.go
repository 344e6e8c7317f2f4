package pop3proxy

import "testing"

func TestParseReferralPlainHostPort(t *testing.T) {
	ref, ok := parseReferral("[REFERRAL/mail2.example.com:110]")
	if !ok {
		t.Fatal("expected ok")
	}
	if ref.Host != "mail2.example.com" || ref.Port != 110 {
		t.Fatalf("got %+v", ref)
	}
}

func TestParseReferralDefaultsPort(t *testing.T) {
	ref, ok := parseReferral("[REFERRAL/mail2.example.com]")
	if !ok || ref.Port != 110 {
		t.Fatalf("got %+v ok=%v", ref, ok)
	}
}

func TestParseReferralWithUserinfo(t *testing.T) {
	ref, ok := parseReferral("[REFERRAL/alice%40sub@mail2.example.com:110]")
	if !ok || ref.Host != "mail2.example.com" || ref.Port != 110 {
		t.Fatalf("got %+v ok=%v", ref, ok)
	}
}

func TestParseReferralIPv4Literal(t *testing.T) {
	ref, ok := parseReferral("[REFERRAL/10.0.0.5:110]")
	if !ok || ref.Host != "10.0.0.5" || ref.IP != "10.0.0.5" {
		t.Fatalf("got %+v ok=%v", ref, ok)
	}
}

func TestParseReferralBracketedIPv6(t *testing.T) {
	ref, ok := parseReferral("[REFERRAL/[::1]:110]")
	if !ok || ref.Host != "::1" || ref.Port != 110 {
		t.Fatalf("got %+v ok=%v", ref, ok)
	}
}

func TestParseReferralRejectsTrailingGarbage(t *testing.T) {
	if _, ok := parseReferral("[REFERRAL/mail2.example.com:110]extra"); ok {
		t.Fatal("expected rejection of trailing characters")
	}
}

func TestParseReferralRejectsUnclosedBracket(t *testing.T) {
	if _, ok := parseReferral("[REFERRAL/mail2.example.com:110"); ok {
		t.Fatal("expected rejection of unclosed referral")
	}
}

func TestParseReferralRejectsBadHost(t *testing.T) {
	if _, ok := parseReferral("[REFERRAL/bad host:110]"); ok {
		t.Fatal("expected rejection of invalid host")
	}
}

func TestParseReferralNotAReferral(t *testing.T) {
	if _, ok := parseReferral("Authentication failed"); ok {
		t.Fatal("expected non-referral body to be rejected")
	}
}
