package httpstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/require"

	"github.com/drifthq/go-driftsync/driftsync"
	"github.com/drifthq/go-driftsync/internal/auth"
)

func TestWriteSendsAuthenticatedRequest(t *testing.T) {
	var gotReq writeRequest
	var gotAuth, gotUser, gotSource string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/write", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotUser = r.Header.Get("X-User-ID")
		gotSource = r.Header.Get("X-Source-ID")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(documentResponse{
			Path:   "quizzes/q1",
			Data:   map[string]any{"id": "q1", "name": "Quiz 1"},
			Exists: true,
		})
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "user-1", "device-1", StaticToken("tok-123"), nil)
	require.NoError(t, err)

	doc, err := c.Write(context.Background(), driftsync.OpCreate, "quizzes", map[string]any{"name": "Quiz 1"})
	require.NoError(t, err)
	require.True(t, doc.Exists)
	require.Equal(t, "quizzes/q1", doc.Path)
	require.Equal(t, "Quiz 1", doc.Data["name"])

	require.Equal(t, driftsync.OpCreate, gotReq.Kind)
	require.Equal(t, "quizzes", gotReq.Path)
	require.Equal(t, "Bearer tok-123", gotAuth)
	require.Equal(t, "user-1", gotUser)
	require.Equal(t, "device-1", gotSource)
}

func TestContextIdentityOverridesClientIdentity(t *testing.T) {
	var gotUser, gotSource string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = r.Header.Get("X-User-ID")
		gotSource = r.Header.Get("X-Source-ID")
		json.NewEncoder(w).Encode(documentResponse{Path: "quizzes/q1", Exists: true})
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "user-1", "device-1", nil, nil)
	require.NoError(t, err)

	ctx := auth.WithIdentity(context.Background(), "user-2", "device-2")
	_, err = c.Write(ctx, driftsync.OpUpdate, "quizzes/q1", map[string]any{"name": "x"})
	require.NoError(t, err)
	require.Equal(t, "user-2", gotUser)
	require.Equal(t, "device-2", gotSource)
}

func TestStatusErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   errorResponse
		check  func(t *testing.T, err error)
	}{
		{
			name:   "not found",
			status: http.StatusNotFound,
			body:   errorResponse{Error: "missing", Path: "quizzes/q1"},
			check: func(t *testing.T, err error) {
				var nf *driftsync.NotFoundError
				require.ErrorAs(t, err, &nf)
				require.Equal(t, "quizzes/q1", nf.Path)
			},
		},
		{
			name:   "version conflict",
			status: http.StatusConflict,
			body:   errorResponse{Error: "conflict", Path: "quizzes/q1", Expected: 2, Actual: 3},
			check: func(t *testing.T, err error) {
				var vc *driftsync.VersionConflictError
				require.ErrorAs(t, err, &vc)
				require.EqualValues(t, 2, vc.Expected)
				require.EqualValues(t, 3, vc.Actual)
			},
		},
		{
			name:   "bad request",
			status: http.StatusBadRequest,
			body:   errorResponse{Error: "name is required"},
			check: func(t *testing.T, err error) {
				require.True(t, driftsync.IsValidationError(err))
				require.Contains(t, err.Error(), "name is required")
			},
		},
		{
			name:   "server error is retryable",
			status: http.StatusInternalServerError,
			body:   errorResponse{Error: "db down"},
			check: func(t *testing.T, err error) {
				require.True(t, driftsync.IsNetworkError(err))
			},
		},
		{
			name:   "service unavailable is retryable",
			status: http.StatusServiceUnavailable,
			body:   errorResponse{Error: "maintenance"},
			check: func(t *testing.T, err error) {
				require.True(t, driftsync.IsNetworkError(err))
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				json.NewEncoder(w).Encode(tc.body)
			}))
			defer srv.Close()

			c, err := NewClient(srv.URL, "u", "d", nil, nil)
			require.NoError(t, err)
			_, err = c.Write(context.Background(), driftsync.OpUpdate, "quizzes/q1", map[string]any{"name": "x"})
			tc.check(t, err)
		})
	}
}

func TestUnreachableServerIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused from here on

	c, err := NewClient(srv.URL, "u", "d", nil, nil)
	require.NoError(t, err)
	_, err = c.Write(context.Background(), driftsync.OpCreate, "quizzes", map[string]any{"name": "x"})
	require.True(t, driftsync.IsNetworkError(err))
}

func TestRunTransactionCommitsPreconditionsAndWrites(t *testing.T) {
	var commits []commitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/read":
			require.Equal(t, "quizzes/q1", r.URL.Query().Get("path"))
			json.NewEncoder(w).Encode(documentResponse{
				Path:   "quizzes/q1",
				Data:   map[string]any{"name": "Quiz 1", "version": float64(4)},
				Exists: true,
			})
		case "/v1/commit":
			var req commitRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			commits = append(commits, req)
			w.WriteHeader(http.StatusOK)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "u", "d", nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	err = c.RunTransaction(ctx, func(tx driftsync.Transaction) error {
		doc, err := tx.Get(ctx, "quizzes/q1")
		if err != nil {
			return err
		}
		tx.Update("quizzes/q1", map[string]any{"name": "Quiz 1b", "version": doc.Version() + 1})
		return nil
	})
	require.NoError(t, err)

	require.Len(t, commits, 1)
	require.Len(t, commits[0].Preconditions, 1)
	require.Equal(t, readPrecondition{Path: "quizzes/q1", Version: 4, Exists: true}, commits[0].Preconditions[0])
	require.Len(t, commits[0].Writes, 1)
	require.Equal(t, driftsync.BatchUpdate, commits[0].Writes[0].Kind)
}

func TestRunTransactionBodyErrorSkipsCommit(t *testing.T) {
	commits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/commit" {
			commits++
		}
		json.NewEncoder(w).Encode(documentResponse{Path: "quizzes/q1", Exists: false})
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "u", "d", nil, nil)
	require.NoError(t, err)

	boom := &driftsync.NotFoundError{Path: "quizzes/q1"}
	err = c.RunTransaction(context.Background(), func(tx driftsync.Transaction) error {
		tx.Update("quizzes/q1", map[string]any{"name": "never"})
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Zero(t, commits)
}

func TestRunTransactionReadOnlySkipsCommit(t *testing.T) {
	commits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/commit" {
			commits++
		}
		json.NewEncoder(w).Encode(documentResponse{Path: "quizzes/q1", Exists: false})
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "u", "d", nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	err = c.RunTransaction(ctx, func(tx driftsync.Transaction) error {
		_, err := tx.Get(ctx, "quizzes/q1")
		return err
	})
	require.NoError(t, err)
	require.Zero(t, commits)
}

func TestRunBatchSendsAllWrites(t *testing.T) {
	var got commitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/commit", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "u", "d", nil, nil)
	require.NoError(t, err)

	err = c.RunBatch(context.Background(), []driftsync.BatchOp{
		{Kind: driftsync.BatchSet, Path: "quizzes/q1", Data: map[string]any{"name": "a"}},
		{Kind: driftsync.BatchDelete, Path: "quizzes/q2"},
	})
	require.NoError(t, err)
	require.Empty(t, got.Preconditions)
	require.Len(t, got.Writes, 2)
	require.Equal(t, driftsync.BatchDelete, got.Writes[1].Kind)
}

func TestSubscribeReceivesWatchEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/watch", r.URL.Path)
		conn, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)
		defer conn.CloseNow()

		ctx := r.Context()
		var req watchRequest
		require.NoError(t, wsjson.Read(ctx, conn, &req))
		require.Equal(t, "quizzes/q1", req.Path)
		require.False(t, req.Collection)

		err = wsjson.Write(ctx, conn, watchEvent{
			Docs: []documentResponse{{
				Path:   "quizzes/q1",
				Data:   map[string]any{"name": "Quiz 1", "version": float64(1)},
				Exists: true,
			}},
		})
		require.NoError(t, err)
		<-ctx.Done()
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "u", "d", StaticToken("tok"), nil)
	require.NoError(t, err)

	snaps := make(chan driftsync.Snapshot, 1)
	unsub, err := c.Subscribe(context.Background(), driftsync.DocumentTarget("quizzes/q1"),
		func(snap driftsync.Snapshot) { snaps <- snap },
		func(err error) {})
	require.NoError(t, err)
	defer unsub()

	select {
	case snap := <-snaps:
		require.Len(t, snap.Docs, 1)
		require.Equal(t, "Quiz 1", snap.Docs[0].Data["name"])
		require.True(t, snap.Docs[0].Exists)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a watch event")
	}
}

func TestJWTMintAndValidate(t *testing.T) {
	minter := NewJWTMinter("test-secret", "user-1", "device-1", time.Hour)
	token, err := minter.Token(context.Background())
	require.NoError(t, err)

	claims, err := ValidateToken("test-secret", token)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, "device-1", claims.DeviceID)

	_, err = ValidateToken("wrong-secret", token)
	require.Error(t, err)
}
