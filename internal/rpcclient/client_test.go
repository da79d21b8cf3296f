package rpcclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func stubServer(t *testing.T, handler func(method string, params json.RawMessage) (any, *struct {
	Code    int
	Message string
})) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
			ID     int             `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		result, rpcErr := handler(req.Method, req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = map[string]any{"code": rpcErr.Code, "message": rpcErr.Message}
		} else {
			resp["result"] = result
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestCall_Result(t *testing.T) {
	server := stubServer(t, func(method string, _ json.RawMessage) (any, *struct {
		Code    int
		Message string
	}) {
		if method != "chan_getStatus" {
			t.Errorf("method = %s", method)
		}
		return map[string]any{"channelCount": 3}, nil
	})
	defer server.Close()

	var result struct {
		ChannelCount int `json:"channelCount"`
	}
	client := New(server.URL)
	if err := client.Call("chan_getStatus", nil, &result); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result.ChannelCount != 3 {
		t.Errorf("channelCount = %d", result.ChannelCount)
	}
}

func TestCall_Error(t *testing.T) {
	server := stubServer(t, func(string, json.RawMessage) (any, *struct {
		Code    int
		Message string
	}) {
		return nil, &struct {
			Code    int
			Message string
		}{Code: -32000, Message: "channel not found"}
	})
	defer server.Close()

	err := New(server.URL).Call("chan_getChannelState", map[string]any{"channelAddress": "0x00"}, nil)
	rpcErr, ok := err.(*RPCError)
	if !ok {
		t.Fatalf("err = %T %v", err, err)
	}
	if rpcErr.Code != -32000 || rpcErr.Message != "channel not found" {
		t.Errorf("rpcErr = %+v", rpcErr)
	}
}

func TestCall_Unreachable(t *testing.T) {
	client := New("http://127.0.0.1:1")
	if err := client.Call("chan_getStatus", nil, nil); err == nil {
		t.Error("unreachable endpoint should fail")
	}
}
