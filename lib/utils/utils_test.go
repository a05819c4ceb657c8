/*
Copyright 2018 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package utils

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"testing"

	. "gopkg.in/check.v1"
)

func TestUtils(t *testing.T) { TestingT(t) }

type UtilsSuite struct{}

var _ = Suite(&UtilsSuite{})

// TestRetryReadOK makes sure that basic read works
func (s *UtilsSuite) TestRetryReadOK(c *C) {
	in := "hello, there!"
	var closer *testReadCloser
	rc, err := RetryRead(func() (io.ReadCloser, error) {
		closer = newTestReadCloser(bytes.NewBuffer([]byte(in)), 0)
		return closer, nil
	}, 0, 1)
	c.Assert(err, IsNil)
	defer rc.Close()

	out, err := ioutil.ReadAll(rc)
	c.Assert(err, IsNil)
	c.Assert(string(out), Equals, in)
	c.Assert(closer.closed, Equals, 1)
}

// TestRetryReadRetry tests the scenario when we've failed to read the
// contents several times. We also test that Close is called at all times
func (s *UtilsSuite) TestRetryReadRetry(c *C) {
	in := "hello, there!"
	closer := newTestReadCloser(bytes.NewBuffer([]byte(in)), 2)
	rc, err := RetryRead(func() (io.ReadCloser, error) {
		return closer, nil
	}, 0, 3)
	c.Assert(err, IsNil)
	defer rc.Close()

	out, err := ioutil.ReadAll(rc)
	c.Assert(err, IsNil)
	c.Assert(string(out), Equals, in)
	c.Assert(closer.closed, Equals, 3)
}

type testReadCloser struct {
	io.Reader
	closed    int
	failCount int
}

func (t *testReadCloser) Close() error {
	t.closed++
	return nil
}

func (t *testReadCloser) Read(in []byte) (int, error) {
	if t.failCount > 0 {
		t.failCount--
		return 0, fmt.Errorf("fail: %v", t.failCount)
	}
	return t.Reader.Read(in)
}

func newTestReadCloser(r io.Reader, failCount int) *testReadCloser {
	return &testReadCloser{r, 0, failCount}
}

func (s *UtilsSuite) TestTrimPathPrefix(c *C) {
	tests := []struct {
		path   string
		prefix []string
		result string
	}{
		{
			path:   "/var/lib/helios/jobs/web.yaml",
			prefix: []string{"/var/lib/helios", "jobs"},
			result: "web.yaml",
		},
		{
			path:   "/var/lib/helios/jobs/batch/web.yaml",
			prefix: []string{"/var/lib/helios", "jobs"},
			result: "batch/web.yaml",
		},
		{
			path:   "/var/lib/helios/jobs/batch/web.yaml",
			prefix: []string{"/var/lib/other"},
			result: "/var/lib/helios/jobs/batch/web.yaml",
		},
	}
	for _, t := range tests {
		c.Assert(TrimPathPrefix(t.path, t.prefix...), Equals, t.result)
	}
}

func (s *UtilsSuite) TestSplitSlice(c *C) {
	tests := []struct {
		slice  []string
		size   int
		result [][]string
	}{
		{
			slice:  []string{"a", "b", "c", "d", "e"},
			size:   1,
			result: [][]string{{"a"}, {"b"}, {"c"}, {"d"}, {"e"}},
		},
		{
			slice:  []string{"a", "b", "c", "d", "e"},
			size:   2,
			result: [][]string{{"a", "b"}, {"c", "d"}, {"e"}},
		},
		{
			slice:  []string{"a", "b", "c", "d", "e"},
			size:   3,
			result: [][]string{{"a", "b", "c"}, {"d", "e"}},
		},
		{
			slice:  []string{"a", "b", "c", "d", "e"},
			size:   5,
			result: [][]string{{"a", "b", "c", "d", "e"}},
		},
		{
			slice:  []string{"a", "b", "c", "d", "e"},
			size:   250,
			result: [][]string{{"a", "b", "c", "d", "e"}},
		},
	}
	for _, test := range tests {
		c.Assert(SplitSlice(test.slice, test.size), DeepEquals, test.result)
	}
}
