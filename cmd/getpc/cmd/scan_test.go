/*
Copyright © 2026 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/blacktop/getpc/internal/config"
)

func TestScanAllKeepsGoing(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.bin")
	code := []byte{
		0xe8, 0x00, 0x00, 0x00, 0x00, // call 0x5
		0x5b,       // pop ebx
		0x31, 0xc9, // xor ecx, ecx
		0xb1, 0x08, // mov cl, 8
		0x80, 0x74, 0x0b, 0x0b, 0xaa, // xor byte [ebx+ecx+0xb], 0xaa
		0xe2, 0xf9, // loop 0xa
		0x3a, 0x3a, 0x3a, 0x3a, 0x3a, 0x3a, 0x3a, 0x3a,
	}
	if err := os.WriteFile(good, code, 0o644); err != nil {
		t.Fatal(err)
	}

	scans := []*scan{
		{path: filepath.Join(dir, "missing.bin")},
		{path: good},
	}
	conf := &config.Config{}
	conf.Scan.Jobs = 2

	if err := scanAll(context.Background(), scans, conf, nil, nil); err != nil {
		t.Fatalf("scanAll() error = %v", err)
	}
	if scans[0].err == nil || scans[0].result != nil {
		t.Errorf("missing file: err = %v, result = %v", scans[0].err, scans[0].result)
	}
	if scans[1].err != nil {
		t.Fatalf("good file: err = %v", scans[1].err)
	}
	if got := scans[1].result.Count(); got != 1 {
		t.Errorf("good file: %d matches, want 1", got)
	}
}
