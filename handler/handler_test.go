// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/creachadair/duplex"
	"github.com/creachadair/duplex/handler"
	"github.com/creachadair/duplex/peers"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

type greeting struct {
	Name  string
	Count int
}

type point struct{ X, Y int }

func TestHandler(t *testing.T) {
	defer leaktest.Check(t)()
	loc := peers.NewLocal()
	defer loc.Stop()

	const input = `{"Name":"input","Count":2}`
	check := func(t *testing.T, want, etext string, h duplex.Handler) {
		t.Helper()
		loc.A.Handle("Test", h)
		rsp, err := loc.B.Call(context.Background(), "Test", json.RawMessage(input))
		if err != nil {
			if got := err.Error(); got != etext {
				t.Fatalf("Call: got error %v, want %q", err, etext)
			}
		} else if etext != "" {
			t.Fatalf("Call: got %#q, want error %q", rsp, etext)
		} else if got := string(rsp); got != want {
			t.Errorf("Call result: got %#q, want %#q", got, want)
		}
	}
	checkReq := func(t *testing.T, ctx context.Context) {
		t.Helper()
		req := handler.ContextRequest(ctx)
		if req == nil {
			t.Error("Context does not contain request")
		} else if req.Method != "Test" {
			t.Errorf("Request method: got %q, want Test", req.Method)
		}
	}

	t.Run("PRE", func(t *testing.T) {
		t.Run("StructString", func(t *testing.T) {
			check(t, `{"Result":"input-ok"}`, "", handler.ParamResultError(
				func(ctx context.Context, g greeting) (string, error) {
					checkReq(t, ctx)
					return g.Name + "-ok", nil
				},
			))
		})
		t.Run("StructStruct", func(t *testing.T) {
			check(t, `{"Result":{"X":2,"Y":5}}`, "", handler.ParamResultError(
				func(ctx context.Context, g greeting) (point, error) {
					checkReq(t, ctx)
					return point{X: g.Count, Y: len(g.Name)}, nil
				},
			))
		})
		t.Run("RawSlice", func(t *testing.T) {
			check(t, `{"Result":[`+input+`]}`, "", handler.ParamResultError(
				func(ctx context.Context, raw json.RawMessage) ([]json.RawMessage, error) {
					checkReq(t, ctx)
					return []json.RawMessage{raw}, nil
				},
			))
		})
		t.Run("Error", func(t *testing.T) {
			check(t, "", `call "Test": remote error: bad robot`, handler.ParamResultError(
				func(ctx context.Context, g greeting) (string, error) {
					checkReq(t, ctx)
					return "", errors.New("bad robot")
				},
			))
		})
		t.Run("BadParams", func(t *testing.T) {
			loc.A.Handle("Test", handler.ParamResultError(
				func(ctx context.Context, n int) (int, error) { return n, nil },
			))
			_, err := loc.B.Call(context.Background(), "Test", json.RawMessage(input))
			if err == nil || !strings.Contains(err.Error(), "invalid parameters") {
				t.Errorf("Call: got %v, want invalid parameters", err)
			}
		})
	})

	t.Run("PR", func(t *testing.T) {
		t.Run("StructInt", func(t *testing.T) {
			check(t, `{"Result":2}`, "", handler.ParamResult(
				func(ctx context.Context, g greeting) int { checkReq(t, ctx); return g.Count },
			))
		})
		t.Run("StructSlice", func(t *testing.T) {
			check(t, `{"Result":["input","input"]}`, "", handler.ParamResult(
				func(ctx context.Context, g greeting) []string {
					checkReq(t, ctx)
					var out []string
					for range g.Count {
						out = append(out, g.Name)
					}
					return out
				},
			))
		})
	})

	t.Run("PE", func(t *testing.T) {
		t.Run("OK", func(t *testing.T) {
			check(t, `{}`, "", handler.ParamError(
				func(ctx context.Context, g greeting) error { checkReq(t, ctx); return nil },
			))
		})
		t.Run("Error", func(t *testing.T) {
			check(t, "", `call "Test": remote error: no input`, handler.ParamError(
				func(ctx context.Context, g greeting) error { checkReq(t, ctx); return errors.New("no input") },
			))
		})
	})

	t.Run("P", func(t *testing.T) {
		var got greeting
		check(t, `{}`, "", handler.Param(
			func(ctx context.Context, g greeting) { checkReq(t, ctx); got = g },
		))
		if diff := cmp.Diff(greeting{Name: "input", Count: 2}, got); diff != "" {
			t.Errorf("Params (-want, +got):\n%s", diff)
		}
	})

	t.Run("RE", func(t *testing.T) {
		t.Run("String", func(t *testing.T) {
			check(t, `{"Result":"please"}`, "", handler.ResultError(
				func(ctx context.Context) (string, error) {
					checkReq(t, ctx)
					return "please", nil
				},
			))
		})
		t.Run("Error", func(t *testing.T) {
			check(t, "", `call "Test": remote error: ok`, handler.ResultError(
				func(ctx context.Context) (bool, error) {
					checkReq(t, ctx)
					return false, errors.New("ok")
				},
			))
		})
	})

	t.Run("RO", func(t *testing.T) {
		t.Run("Bool", func(t *testing.T) {
			check(t, `{"Result":true}`, "", handler.ResultOnly(
				func(ctx context.Context) bool { checkReq(t, ctx); return true },
			))
		})
		t.Run("Pointer", func(t *testing.T) {
			check(t, `{"Result":null}`, "", handler.ResultOnly(
				func(ctx context.Context) *point { checkReq(t, ctx); return nil },
			))
		})
	})
}

func TestCallHelpers(t *testing.T) {
	defer leaktest.Check(t)()
	loc := peers.NewLocal()
	defer loc.Stop()

	type span struct {
		Start time.Time
		Hours int
	}
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	loc.A.Handle("End", handler.ParamResult(func(_ context.Context, s span) time.Time {
		return s.Start.Add(time.Duration(s.Hours) * time.Hour)
	}))
	loc.A.Handle("Reset", handler.ParamError(func(_ context.Context, s span) error {
		if s.Hours < 0 {
			return errors.New("negative span")
		}
		return nil
	}))

	ctx := context.Background()

	t.Run("Call", func(t *testing.T) {
		got, err := handler.Call[time.Time](ctx, loc.B, "End", span{Start: start, Hours: 36})
		if err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		}
		if want := start.Add(36 * time.Hour); !got.Equal(want) {
			t.Errorf("Call: got %v, want %v", got, want)
		}
	})

	t.Run("CallUnknown", func(t *testing.T) {
		got, err := handler.Call[int](ctx, loc.B, "Nonesuch", nil)
		var cerr *duplex.CallError
		if !errors.As(err, &cerr) || !cerr.Remote() {
			t.Fatalf("Call: got (%v, %v), want remote error", got, err)
		}
		if !strings.Contains(cerr.Message, `unknown inbound method "Nonesuch"`) {
			t.Errorf("Call error: got %q, want unknown method", cerr.Message)
		}
	})

	t.Run("CallBadResult", func(t *testing.T) {
		_, err := handler.Call[int](ctx, loc.B, "End", span{Start: start})
		if err == nil || !strings.Contains(err.Error(), "decode result") {
			t.Errorf("Call: got %v, want decode error", err)
		}
	})

	t.Run("Invoke", func(t *testing.T) {
		if err := handler.Invoke(ctx, loc.B, "Reset", span{Hours: 1}); err != nil {
			t.Errorf("Invoke: unexpected error: %v", err)
		}
		if err := handler.Invoke(ctx, loc.B, "Reset", span{Hours: -1}); err == nil {
			t.Error("Invoke: got nil, want error")
		} else if got, want := err.Error(), `call "Reset": remote error: negative span`; got != want {
			t.Errorf("Invoke: got %q, want %q", got, want)
		}
	})
}
