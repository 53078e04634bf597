package protocol

import (
	"encoding/json"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	ref := int64(7)
	payload := RequestConnectionPayload{
		ResourceID: "res-1",
		GatewayID:  "gw-1",
		ICEParameters: ICEParameters{
			Ufrag: "uuuu",
			Pwd:   "pppp",
		},
	}

	data, err := Encode("client", EventRequestConnection, &ref, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	env, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Topic != "client" || env.Event != EventRequestConnection {
		t.Fatalf("envelope = %+v, want topic=client event=%s", env, EventRequestConnection)
	}
	if env.Ref == nil || *env.Ref != ref {
		t.Fatalf("ref = %v, want %d", env.Ref, ref)
	}

	var got RequestConnectionPayload
	if err := json.Unmarshal(env.Payload, &got); err != nil {
		t.Fatalf("unmarshaling payload: %v", err)
	}
	if got != payload {
		t.Fatalf("payload = %+v, want %+v", got, payload)
	}
}

func TestEnvelopeRefIsNullByDefault(t *testing.T) {
	t.Parallel()

	data, err := Encode(HeartbeatTopic, EventHeartbeat, nil, struct{}{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	env, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Ref != nil {
		t.Fatalf("ref = %v, want nil", env.Ref)
	}
}

func TestReplyPayloadIsOK(t *testing.T) {
	t.Parallel()

	ok := ReplyPayload{Status: "ok"}
	if !ok.IsOK() {
		t.Fatal("expected status \"ok\" to report IsOK")
	}

	bad := ReplyPayload{Status: "error"}
	if bad.IsOK() {
		t.Fatal("expected status \"error\" to not report IsOK")
	}
}

func TestDecodeDisconnectPayload(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"topic":"client","event":"disconnect","payload":{"reason":"token_expired"},"ref":null}`)
	env, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	var d DisconnectPayload
	if err := json.Unmarshal(env.Payload, &d); err != nil {
		t.Fatalf("unmarshaling disconnect payload: %v", err)
	}
	if d.Reason != "token_expired" {
		t.Fatalf("reason = %q, want token_expired", d.Reason)
	}
}
