package nas

import (
	"net"
	"testing"

	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"
	"layeh.com/radius/rfc2869"
)

func TestBuildDisconnectRequest(t *testing.T) {
	client := testClient("bras-01", "10.0.0.1")
	client.CoAPort = 3799

	packet, err := buildDisconnectRequest(client, DisconnectSession{
		SessionID: "sess-123",
		Username:  "alice",
		FramedIP:  net.ParseIP("100.64.0.7").To4(),
	}, "aaa")
	if err != nil {
		t.Fatalf("buildDisconnectRequest() error = %v", err)
	}

	if packet.Code != radius.CodeDisconnectRequest {
		t.Errorf("Code = %d, want DisconnectRequest", packet.Code)
	}
	if got := rfc2866.AcctSessionID_GetString(packet); got != "sess-123" {
		t.Errorf("Acct-Session-Id = %q, want sess-123", got)
	}
	if got := rfc2865.UserName_GetString(packet); got != "alice" {
		t.Errorf("User-Name = %q, want alice", got)
	}
	if got := rfc2865.FramedIPAddress_Get(packet); !got.Equal(net.ParseIP("100.64.0.7")) {
		t.Errorf("Framed-IP-Address = %v, want 100.64.0.7", got)
	}
	if got := rfc2869.MessageAuthenticator_Get(packet); len(got) != 16 {
		t.Errorf("Message-Authenticator length = %d, want 16", len(got))
	}
}

func TestBuildStatusServer(t *testing.T) {
	client := testClient("bras-01", "10.0.0.1")

	packet, err := buildStatusServer(client, "aaa-east")
	if err != nil {
		t.Fatalf("buildStatusServer() error = %v", err)
	}
	if packet.Code != radius.CodeStatusServer {
		t.Errorf("Code = %d, want StatusServer", packet.Code)
	}
	if got := rfc2865.NASIdentifier_GetString(packet); got != "aaa-east" {
		t.Errorf("NAS-Identifier = %q, want aaa-east", got)
	}
}
