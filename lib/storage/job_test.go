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

package storage

import (
	"crypto/sha1"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expectedHash(t *testing.T, name, version string, canonical []byte) string {
	t.Helper()
	configHash := sha1.Sum(canonical)
	input := name + ":" + version + ":" + fmt.Sprintf("%x", configHash)
	jobHash := sha1.Sum([]byte(input))
	return fmt.Sprintf("%x", jobHash)
}

// TestHashStability is scenario S1: a job with an empty env still
// produces a stable, reproducible hash.
func TestHashStability(t *testing.T) {
	job, err := NewJobBuilder("foozbarz", "17", "testStartStop:4711").
		Command("foo", "bar").
		Build()
	require.NoError(t, err)

	canonical := []byte(`{"command":["foo","bar"],"env":{},"image":"testStartStop:4711","name":"foozbarz","version":"17"}`)
	want := expectedHash(t, "foozbarz", "17", canonical)

	assert.Equal(t, want, job.Hash)
	assert.Equal(t, "foozbarz:17:"+want, job.ID().String())
}

// TestHashWithEnv is scenario S2: adding env deterministically changes
// the hash relative to S1.
func TestHashWithEnv(t *testing.T) {
	withoutEnv, err := NewJobBuilder("foozbarz", "17", "testStartStop:4711").
		Command("foo", "bar").
		Build()
	require.NoError(t, err)

	withEnv, err := NewJobBuilder("foozbarz", "17", "testStartStop:4711").
		Command("foo", "bar").
		Env(map[string]string{"FOO": "BAR"}).
		Build()
	require.NoError(t, err)

	assert.NotEqual(t, withoutEnv.Hash, withEnv.Hash)

	canonical := []byte(`{"command":["foo","bar"],"env":{"FOO":"BAR"},"image":"testStartStop:4711","name":"foozbarz","version":"17"}`)
	want := expectedHash(t, "foozbarz", "17", canonical)
	assert.Equal(t, want, withEnv.Hash)
}

func TestHashIsStableAcrossRebuilds(t *testing.T) {
	build := func() *Job {
		job, err := NewJobBuilder("svc", "1", "img:tag").
			Command("/bin/run").
			Env(map[string]string{"A": "B"}).
			Build()
		require.NoError(t, err)
		return job
	}
	a := build()
	b := build()
	assert.Equal(t, a.Hash, b.Hash)
	assert.Equal(t, a.ID(), b.ID())
}

func TestJobValidation(t *testing.T) {
	_, err := NewJobBuilder("", "1", "img").Build()
	assert.Error(t, err)

	_, err = NewJobBuilder("bad:name", "1", "img").Build()
	assert.Error(t, err)

	_, err = NewJobBuilder("name", "1", "").Build()
	assert.Error(t, err)
}

func TestCheckHashDetectsTamper(t *testing.T) {
	job, err := NewJobBuilder("svc", "1", "img").Build()
	require.NoError(t, err)
	require.NoError(t, job.CheckHash())

	job.Image = "other"
	assert.Error(t, job.CheckHash())
}

// TestParseJobId is scenario S5: "a:b:c:d" is a parse error, "a" is a
// valid name-only id.
func TestParseJobId(t *testing.T) {
	_, err := ParseJobId("a:b:c:d")
	assert.Error(t, err)

	id, err := ParseJobId("a")
	require.NoError(t, err)
	assert.Equal(t, JobId{Name: "a"}, id)
	assert.False(t, id.IsFullyQualified())

	id, err = ParseJobId("a:1")
	require.NoError(t, err)
	assert.Equal(t, JobId{Name: "a", Version: "1"}, id)

	id, err = ParseJobId("a:1:deadbeef")
	require.NoError(t, err)
	assert.Equal(t, JobId{Name: "a", Version: "1", Hash: "deadbeef"}, id)
}

func TestJobIdRoundTrip(t *testing.T) {
	ids := []JobId{
		{Name: "a"},
		{Name: "a", Version: "1"},
		{Name: "a", Version: "1", Hash: "deadbeef00112233445566778899aabbccddeeff"},
	}
	for _, id := range ids {
		parsed, err := ParseJobId(id.String())
		require.NoError(t, err)
		assert.Equal(t, id, parsed)
	}
}

func TestJobIdShort(t *testing.T) {
	id := JobId{Name: "a", Version: "1", Hash: "deadbeef00112233445566778899aabbccddeeff"}
	assert.True(t, id.IsFullyQualified())
	short := id.Short()
	assert.Equal(t, "deadbee", short.Hash)
	assert.False(t, short.IsFullyQualified())
}

func TestCompareJobIds(t *testing.T) {
	ids := []JobId{
		{Name: "b"},
		{Name: "a", Version: "2"},
		{Name: "a", Version: "1"},
		{Name: "a"},
	}
	SortJobIds(ids)
	require.Len(t, ids, 4)
	assert.Equal(t, "a", ids[0].Name)
	assert.Equal(t, "", ids[0].Version)
	assert.Equal(t, "a:1", ids[1].String())
	assert.Equal(t, "a:2", ids[2].String())
	assert.Equal(t, "b", ids[3].Name)
}
