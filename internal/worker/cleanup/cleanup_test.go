package cleanup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

type fakeResult struct {
	rowsAffected int64
}

func (r *fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r *fakeResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

// Executor インターフェースに対するモック実装。
// 呼び出しごとのクエリと引数を記録する。
type mockExecutor struct {
	queries  []string
	argsList [][]interface{}
	results  []sql.Result
	err      error
}

func (m *mockExecutor) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	m.queries = append(m.queries, query)
	m.argsList = append(m.argsList, args)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.results) >= len(m.queries) {
		return m.results[len(m.queries)-1], nil
	}
	return &fakeResult{}, nil
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func TestNewCleanupJob_SetsRetentionDays(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockExecutor{}, newTestLogger(&buf))

	if job.RetentionDays != 30 {
		t.Errorf("RetentionDays = %d, want 30", job.RetentionDays)
	}
}

func TestCleanupJob_Run_DeletesTerminalRecords(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{
		results: []sql.Result{
			&fakeResult{rowsAffected: 5},
			&fakeResult{rowsAffected: 2},
		},
	}
	job := NewCleanupJob(mock, newTestLogger(&buf))

	err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}

	if len(mock.queries) != 2 {
		t.Fatalf("ExecContext の呼び出し回数 = %d, want 2", len(mock.queries))
	}

	// 1本目: deletedリースの削除
	if !strings.Contains(mock.queries[0], "DELETE FROM leases") {
		t.Errorf("クエリに 'DELETE FROM leases' が含まれていない: %s", mock.queries[0])
	}
	if !strings.Contains(mock.queries[0], "state = 'deleted'") {
		t.Errorf("deletedリースのみが対象であるべき: %s", mock.queries[0])
	}

	// 2本目: 完了済みブロードキャストジョブの削除
	if !strings.Contains(mock.queries[1], "DELETE FROM broadcast_jobs") {
		t.Errorf("クエリに 'DELETE FROM broadcast_jobs' が含まれていない: %s", mock.queries[1])
	}
	if !strings.Contains(mock.queries[1], "status = 'completed'") {
		t.Errorf("完了済みジョブのみが対象であるべき: %s", mock.queries[1])
	}
}

func TestCleanupJob_Run_UsesIntervalParameter(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{}
	job := NewCleanupJob(mock, newTestLogger(&buf))

	_ = job.Run(context.Background())

	if len(mock.argsList) < 1 || len(mock.argsList[0]) < 1 {
		t.Fatal("ExecContext に引数が渡されなかった")
	}

	argStr, ok := mock.argsList[0][0].(string)
	if !ok {
		t.Fatalf("第1引数が string ではない: %T", mock.argsList[0][0])
	}
	if argStr != "30 days" {
		t.Errorf("interval引数 = %q, want %q", argStr, "30 days")
	}
}

func TestCleanupJob_Run_LogsDeletedCounts(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{
		results: []sql.Result{
			&fakeResult{rowsAffected: 42},
			&fakeResult{rowsAffected: 7},
		},
	}
	job := NewCleanupJob(mock, newTestLogger(&buf))

	_ = job.Run(context.Background())

	var entry map[string]interface{}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	found := false
	for _, line := range lines {
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry["deleted_leases"] == float64(42) && entry["deleted_jobs"] == float64(7) {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("ログに deleted_leases=42 deleted_jobs=7 が記録されていない。ログ出力: %s", buf.String())
	}
}

func TestCleanupJob_Run_ReturnsErrorOnDBFailure(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{err: sql.ErrConnDone}
	job := NewCleanupJob(mock, newTestLogger(&buf))

	err := job.Run(context.Background())
	if err == nil {
		t.Fatal("DBエラー時に Run() は nil でないエラーを返すべき")
	}

	if !strings.Contains(buf.String(), "ERROR") {
		t.Errorf("エラー時にERRORレベルのログが記録されていない。ログ出力: %s", buf.String())
	}
}

func TestCleanupJob_Run_Idempotent_ZeroRows(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{}
	job := NewCleanupJob(mock, newTestLogger(&buf))

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("1回目の Run() がエラーを返した: %v", err)
	}
	// 冪等性: 削除対象がなくてもエラーにならない
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("2回目の Run() がエラーを返した: %v", err)
	}
}

func TestCleanupJob_CustomRetentionDays(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{}
	job := NewCleanupJob(mock, newTestLogger(&buf))
	job.RetentionDays = 90

	_ = job.Run(context.Background())

	argStr, ok := mock.argsList[0][0].(string)
	if !ok {
		t.Fatalf("第1引数が string ではない: %T", mock.argsList[0][0])
	}
	if argStr != "90 days" {
		t.Errorf("interval引数 = %q, want %q", argStr, "90 days")
	}
}
