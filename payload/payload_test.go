package payload

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBytes(t *testing.T) {
	data := []byte("first chunk|second chunk|third")
	source := NewBytes(data)

	if source.Size() != int64(len(data)) {
		t.Errorf("Expected size %d, got %d", len(data), source.Size())
	}

	got, err := source.ReadRange(6, 11)
	if err != nil {
		t.Fatalf("ReadRange error: %v", err)
	}
	if string(got) != "chunk" {
		t.Errorf("Expected %q, got %q", "chunk", got)
	}

	// The source keeps its own copy of the buffer
	data[0] = 'X'
	got, _ = source.ReadRange(0, 1)
	if string(got) != "f" {
		t.Errorf("Source changed after caller mutation: %q", got)
	}

	empty, err := source.ReadRange(3, 3)
	if err != nil {
		t.Fatalf("ReadRange of empty range error: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("Expected empty range, got %d bytes", len(empty))
	}

	if _, err := source.ReadRange(-1, 2); err == nil {
		t.Error("Expected error for negative start")
	}
	if _, err := source.ReadRange(0, source.Size()+1); err == nil {
		t.Error("Expected error for range past the end")
	}
}

func TestBytesInfo(t *testing.T) {
	info := NewBytes([]byte("plain text payload")).Info("notes.txt")

	if info.Name != "notes.txt" {
		t.Errorf("Expected name notes.txt, got %s", info.Name)
	}
	if info.Size != 18 {
		t.Errorf("Expected size 18, got %d", info.Size)
	}
	if info.ContentType != "text/plain; charset=utf-8" {
		t.Errorf("Unexpected content type %q", info.ContentType)
	}
}

func TestFile(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "test.bin")

	testData := make([]byte, 100)
	for i := range testData {
		testData[i] = byte(i)
	}
	if err := os.WriteFile(testFile, testData, 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	source, err := OpenFile(testFile)
	if err != nil {
		t.Fatalf("OpenFile error: %v", err)
	}
	defer source.Close()

	if source.Size() != 100 {
		t.Errorf("Expected size 100, got %d", source.Size())
	}

	// 30+30+30+10 = 100
	for start := int64(0); start < 100; start += 30 {
		end := start + 30
		if end > 100 {
			end = 100
		}
		data, err := source.ReadRange(start, end)
		if err != nil {
			t.Fatalf("ReadRange(%d, %d) error: %v", start, end, err)
		}
		if int64(len(data)) != end-start {
			t.Errorf("Range [%d, %d): expected %d bytes, got %d", start, end, end-start, len(data))
		}
		for i, b := range data {
			if b != byte(start+int64(i)) {
				t.Fatalf("Range [%d, %d): byte %d mismatch", start, end, i)
			}
		}
	}

	if _, err := source.ReadRange(90, 110); err == nil {
		t.Error("Expected error for range past the end of file")
	}
}

func TestOpenFile_Directory(t *testing.T) {
	if _, err := OpenFile(t.TempDir()); err == nil {
		t.Fatal("Expected error when opening a directory")
	}
}

func TestInfoFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "archive.json")
	if err := os.WriteFile(testFile, []byte(`{"key": "value"}`), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	info, err := InfoFromFile(testFile)
	if err != nil {
		t.Fatalf("InfoFromFile error: %v", err)
	}

	if info.Name != "archive.json" {
		t.Errorf("Expected name archive.json, got %s", info.Name)
	}
	if info.Size != 16 {
		t.Errorf("Expected size 16, got %d", info.Size)
	}
	if info.LastModified.IsZero() {
		t.Error("Expected modification time to be set")
	}
	if info.ContentType != "application/json" {
		t.Errorf("Expected application/json, got %s", info.ContentType)
	}
}
