package message

import (
	"errors"
	"reflect"
	"testing"

	"polyrpc/codec"
)

var allCodecs = []codec.Codec{
	codec.GetCodec(codec.CodecTypeJSON),
	codec.GetCodec(codec.CodecTypeCBOR),
	codec.GetCodec(codec.CodecTypeProto),
}

func TestRequestRoundTrip(t *testing.T) {
	for _, c := range allCodecs {
		data, err := EncodeRequest(c, &Request{Function: "echo", Args: []any{"hi", true}})
		if err != nil {
			t.Fatalf("%s: encode: %v", c.Type(), err)
		}
		req, err := DecodeRequest(c, data)
		if err != nil {
			t.Fatalf("%s: decode: %v", c.Type(), err)
		}
		if req.Function != "echo" {
			t.Fatalf("%s: expect echo, got %q", c.Type(), req.Function)
		}
		if !reflect.DeepEqual(req.Args, []any{"hi", true}) {
			t.Fatalf("%s: args mismatch: %#v", c.Type(), req.Args)
		}
	}
}

func TestRequestWithoutArgs(t *testing.T) {
	for _, c := range allCodecs {
		data, err := EncodeRequest(c, &Request{Function: "missing_fn"})
		if err != nil {
			t.Fatal(err)
		}
		req, err := DecodeRequest(c, data)
		if err != nil {
			t.Fatal(err)
		}
		if req.Args != nil {
			t.Fatalf("%s: expect nil args, got %#v", c.Type(), req.Args)
		}
	}
}

func TestDecodeMalformedRequest(t *testing.T) {
	c := codec.GetCodec(codec.CodecTypeJSON)
	cases := []string{
		`not json`,
		`{"function":"echo"}`,
		`[]`,
		`[42, "x"]`,
	}
	for _, raw := range cases {
		_, err := DecodeRequest(c, []byte(raw))
		if !errors.Is(err, ErrMalformedRequest) {
			t.Fatalf("%s: expect ErrMalformedRequest, got %v", raw, err)
		}
	}
}

func TestResponseRoundTrip(t *testing.T) {
	for _, c := range allCodecs {
		data, err := EncodeResponse(c, Success("ok"))
		if err != nil {
			t.Fatal(err)
		}
		resp, err := DecodeResponse(c, data)
		if err != nil {
			t.Fatal(err)
		}
		if resp.Failed() || resp.Result != "ok" {
			t.Fatalf("%s: expect success ok, got %+v", c.Type(), resp)
		}

		data, err = EncodeResponse(c, Failure("function not found: %s", "nope"))
		if err != nil {
			t.Fatal(err)
		}
		resp, err = DecodeResponse(c, data)
		if err != nil {
			t.Fatal(err)
		}
		if !resp.Failed() || resp.Error != "function not found: nope" {
			t.Fatalf("%s: expect failure, got %+v", c.Type(), resp)
		}
	}
}

func TestNilResultIsSuccess(t *testing.T) {
	c := codec.GetCodec(codec.CodecTypeJSON)
	data, err := EncodeResponse(c, Success(nil))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := DecodeResponse(c, data)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Failed() || resp.Result != nil {
		t.Fatalf("expect nil success, got %+v", resp)
	}
}

func TestDecodeResponseUntagged(t *testing.T) {
	c := codec.GetCodec(codec.CodecTypeJSON)
	if _, err := DecodeResponse(c, []byte(`42`)); err == nil {
		t.Fatal("expect error for untagged response")
	}
	if _, err := DecodeResponse(c, []byte(`{}`)); err == nil {
		t.Fatal("expect error for empty map")
	}
}
