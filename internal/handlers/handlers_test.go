package handlers

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/Iron-Ham/taskmesh/internal/errors"
)

func run(t *testing.T, h Handler, data string) (string, error) {
	t.Helper()
	out, err := h.Handle(context.Background(), json.RawMessage(data))
	return string(out), err
}

func TestComputation(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    string
		wantErr bool
	}{
		{"sum", `{"operation":"sum","numbers":[1,2,3,4,5]}`, `{"result":15}`, false},
		{"default is sum", `{"numbers":[2.5,2.5]}`, `{"result":5}`, false},
		{"empty sum", `{}`, `{"result":0}`, false},
		{"average", `{"operation":"average","numbers":[1,2,3,4]}`, `{"result":2.5}`, false},
		{"average empty", `{"operation":"average","numbers":[]}`, "", true},
		{"matrix", `{"operation":"matrix_multiply","matrix1":[[1,2],[3,4]],"matrix2":[[5,6],[7,8]]}`, `{"result":[[19,22],[43,50]]}`, false},
		{"matrix non-square", `{"operation":"matrix_multiply","matrix1":[[1,2,3]],"matrix2":[[1],[2],[3]]}`, `{"result":[[14]]}`, false},
		{"matrix mismatch", `{"operation":"matrix_multiply","matrix1":[[1,2]],"matrix2":[[1,2]]}`, "", true},
		{"matrix ragged", `{"operation":"matrix_multiply","matrix1":[[1,2],[3]],"matrix2":[[1],[2]]}`, "", true},
		{"matrix missing", `{"operation":"matrix_multiply"}`, "", true},
		{"unknown operation", `{"operation":"sqrt","numbers":[4]}`, "", true},
		{"malformed", `{"numbers":"nope"}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := run(t, HandlerFunc(Computation), tt.data)
			if tt.wantErr {
				if !errors.Is(err, errors.ErrExecution) {
					t.Errorf("err = %v, want ExecutionError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("err = %v", err)
			}
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDataProcessing(t *testing.T) {
	records := `[{"id":3,"name":"carol","team":"b"},{"id":1,"name":"alice","team":"a"},{"id":2,"name":"Bob","team":"a"}]`

	tests := []struct {
		name    string
		data    string
		want    string
		wantErr bool
	}{
		{
			name: "sort by default key",
			data: `{"operation":"sort","data":` + records + `}`,
			want: `{"result":[{"id":1,"name":"alice","team":"a"},{"id":2,"name":"Bob","team":"a"},{"id":3,"name":"carol","team":"b"}]}`,
		},
		{
			name: "sort by name reversed",
			data: `{"operation":"sort","key":"name","reverse":true,"data":` + records + `}`,
			want: `{"result":[{"id":3,"name":"carol","team":"b"},{"id":1,"name":"alice","team":"a"},{"id":2,"name":"Bob","team":"a"}]}`,
		},
		{
			name: "sort mixed types puts missing first",
			data: `{"operation":"sort","data":[{"id":"x"},{"id":2},{}]}`,
			want: `{"result":[{},{"id":2},{"id":"x"}]}`,
		},
		{
			name: "filter",
			data: `{"operation":"filter","condition":{"team":"a"},"data":` + records + `}`,
			want: `{"result":[{"id":1,"name":"alice","team":"a"},{"id":2,"name":"Bob","team":"a"}]}`,
		},
		{
			name: "filter numeric condition",
			data: `{"operation":"filter","condition":{"id":3},"data":` + records + `}`,
			want: `{"result":[{"id":3,"name":"carol","team":"b"}]}`,
		},
		{
			name: "filter nothing matches",
			data: `{"operation":"filter","condition":{"team":"z"},"data":` + records + `}`,
			want: `{"result":[]}`,
		},
		{
			name: "transform",
			data: `{"operation":"transform","transformation":{"name":"uppercase","team":"lowercase","id":"uppercase"},"data":[{"id":7,"name":"Bob","team":"A"}]}`,
			want: `{"result":[{"id":"7","name":"BOB","team":"a"}]}`,
		},
		{name: "bad transformation", data: `{"operation":"transform","transformation":{"name":"reverse"},"data":[]}`, wantErr: true},
		{name: "unknown operation", data: `{"operation":"group"}`, wantErr: true},
		{name: "missing operation", data: `{}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := run(t, HandlerFunc(DataProcessing), tt.data)
			if tt.wantErr {
				if !errors.Is(err, errors.ErrExecution) {
					t.Errorf("err = %v, want ExecutionError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("err = %v", err)
			}
			if got != tt.want {
				t.Errorf("got  %s\nwant %s", got, tt.want)
			}
		})
	}
}

func TestFileIO(t *testing.T) {
	root := t.TempDir()
	outside := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(outside, []byte("secret"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(root, "link.txt")); err != nil {
		t.Fatal(err)
	}
	h := NewFileIO(root)

	got, err := run(t, h, `{"operation":"write","filename":"out/note.txt","content":"hello"}`)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if got != `{"status":"success"}` {
		t.Errorf("write result = %s", got)
	}
	data, err := os.ReadFile(filepath.Join(root, "out", "note.txt"))
	if err != nil || string(data) != "hello" {
		t.Fatalf("file = %q, %v", data, err)
	}

	got, err = run(t, h, `{"operation":"read","filename":"out/note.txt"}`)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != `{"content":"hello"}` {
		t.Errorf("read result = %s", got)
	}

	rejected := []struct {
		name string
		data string
	}{
		{"absolute path", `{"operation":"read","filename":"` + outside + `"}`},
		{"parent escape", `{"operation":"read","filename":"../secret.txt"}`},
		{"symlink escape", `{"operation":"read","filename":"link.txt"}`},
		{"write escape", `{"operation":"write","filename":"../x.txt","content":"x"}`},
		{"missing file", `{"operation":"read","filename":"absent.txt"}`},
		{"write without content", `{"operation":"write","filename":"y.txt"}`},
		{"no filename", `{"operation":"read"}`},
		{"unknown operation", `{"operation":"delete","filename":"out/note.txt"}`},
	}
	for _, tt := range rejected {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := run(t, h, tt.data); !errors.Is(err, errors.ErrExecution) {
				t.Errorf("err = %v, want ExecutionError", err)
			}
		})
	}
}

func TestDefaultRegistry(t *testing.T) {
	r := Default(t.TempDir())
	want := []string{TypeComputation, TypeDataProcessing, TypeIOOperation}
	got := r.Types()
	if len(got) != len(want) {
		t.Fatalf("Types() = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Types()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	restricted := r.Restrict([]string{TypeComputation, "render"})
	if types := restricted.Types(); len(types) != 1 || types[0] != TypeComputation {
		t.Errorf("Restrict() types = %v", types)
	}
}
