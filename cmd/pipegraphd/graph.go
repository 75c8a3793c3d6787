package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pipegraph/pipegraph/internal/graph"
	"github.com/pipegraph/pipegraph/internal/job"
	"github.com/pipegraph/pipegraph/internal/jobtest"
)

// buildGraph turns every regular file directly under defsDir into a small
// copy pipeline: one FileGeneratingJob per source file, writing a ".out"
// copy into outDir, plus one ParameterInvariant keyed on the sorted file
// list. A copy job has no inputs, so it runs only while history holds no
// output for it; a later change to its source file's content does not make
// it run again. The manifest invariant runs on every run, its fingerprint
// changes whenever a file is added or removed, and no job depends on it.
// This is the demonstration
// graph cmd/pipegraphd runs on a cron tick or a definitions-directory
// change; a real deployment swaps this file for its own job-construction
// code and keeps everything else in this package unchanged.
func buildGraph(defsDir, outDir string) (*graph.DAG, map[string]job.Job, error) {
	if err := os.MkdirAll(defsDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("pipegraphd: create job defs dir %s: %w", defsDir, err)
	}
	entries, err := os.ReadDir(defsDir)
	if err != nil {
		return nil, nil, fmt.Errorf("pipegraphd: read job defs dir %s: %w", defsDir, err)
	}

	dag := graph.New()
	jobs := make(map[string]job.Job)
	var names []string

	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		names = append(names, name)

		src := filepath.Join(defsDir, name)
		dst := filepath.Join(outDir, name+".out")
		j := &jobtest.FileGeneratingJob{
			Path:     dst,
			EmptyOK:  true,
			Generate: func(string) error { return copyFile(src, dst) },
		}
		jobs[j.ID()] = j
		dag.AddNode(j.ID())
	}

	// manifest is an Invariant job recording which file names were present
	// this run; its fingerprint changes whenever a file is added or removed,
	// independent of the copy jobs (which fingerprint their own content).
	sort.Strings(names)
	manifest := &jobtest.ParameterInvariant{
		Name:       "manifest",
		Parameters: stringsJoined(names),
	}
	jobs[manifest.ID()] = manifest
	dag.AddNode(manifest.ID())

	return dag, jobs, nil
}

type stringsJoined []string

func (s stringsJoined) String() string { return strings.Join(s, ",") }

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
