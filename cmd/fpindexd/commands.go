package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/urfave/cli.v1"

	"github.com/acoustid/fpindex"
)

var dbPathFlag = cli.StringFlag{Name: "dbpath", Usage: "path to the index directory"}

func parseHashes(s string) ([]uint32, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	hashes := make([]uint32, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid hash %q", p)
		}
		hashes[i] = uint32(v)
	}
	return hashes, nil
}

var insertCommand = cli.Command{
	Name:  "insert",
	Usage: "insert a document and commit",
	Flags: []cli.Flag{
		dbPathFlag,
		cli.IntFlag{Name: "doc", Usage: "document id"},
		cli.StringFlag{Name: "hashes", Usage: "comma-separated list of hashes"},
	},
	Action: runInsert,
}

func runInsert(ctx *cli.Context) error {
	ix, err := fpindex.OpenIndex(ctx.String("dbpath"))
	if err != nil {
		return errors.Wrap(err, "unable to open the index")
	}

	hashes, err := parseHashes(ctx.String("hashes"))
	if err != nil {
		return err
	}

	s, err := ix.BeginSession()
	if err != nil {
		return errors.Wrap(err, "unable to begin session")
	}
	if err := s.Insert(uint32(ctx.Int("doc")), hashes); err != nil {
		s.Rollback()
		return errors.Wrap(err, "unable to insert document")
	}
	return errors.Wrap(s.Commit(), "unable to commit")
}

var searchCommand = cli.Command{
	Name:  "search",
	Usage: "search the index and print matching document ids with scores",
	Flags: []cli.Flag{
		dbPathFlag,
		cli.StringFlag{Name: "hashes", Usage: "comma-separated list of query hashes"},
		cli.IntFlag{Name: "max-results", Value: 500},
		cli.IntFlag{Name: "top-score-percent", Value: 10},
	},
	Action: runSearch,
}

func runSearch(ctx *cli.Context) error {
	ix, err := fpindex.OpenIndex(ctx.String("dbpath"))
	if err != nil {
		return errors.Wrap(err, "unable to open the index")
	}

	hashes, err := parseHashes(ctx.String("hashes"))
	if err != nil {
		return err
	}

	s, err := ix.BeginSession()
	if err != nil {
		return errors.Wrap(err, "unable to begin session")
	}
	defer s.Rollback()

	if err := s.SetAttribute(fpindex.AttrMaxResults, strconv.Itoa(ctx.Int("max-results"))); err != nil {
		return err
	}
	if err := s.SetAttribute(fpindex.AttrTopScorePercent, strconv.Itoa(ctx.Int("top-score-percent"))); err != nil {
		return err
	}

	hits, err := s.Search(hashes)
	if err != nil {
		return errors.Wrap(err, "search failed")
	}
	for _, hit := range hits {
		fmt.Printf("%d\t%d\n", hit.DocID, hit.Score)
	}
	return nil
}

var optimizeCommand = cli.Command{
	Name:  "optimize",
	Usage: "merge all live segments into one",
	Flags: []cli.Flag{dbPathFlag},
	Action: func(ctx *cli.Context) error {
		ix, err := fpindex.OpenIndex(ctx.String("dbpath"))
		if err != nil {
			return errors.Wrap(err, "unable to open the index")
		}
		s, err := ix.BeginSession()
		if err != nil {
			return errors.Wrap(err, "unable to begin session")
		}
		return errors.Wrap(s.Optimize(), "optimize failed")
	},
}

var cleanupCommand = cli.Command{
	Name:  "cleanup",
	Usage: "unlink segment and temp files not referenced by the index (manifest files are kept)",
	Flags: []cli.Flag{dbPathFlag},
	Action: func(ctx *cli.Context) error {
		ix, err := fpindex.OpenIndex(ctx.String("dbpath"))
		if err != nil {
			return errors.Wrap(err, "unable to open the index")
		}
		s, err := ix.BeginSession()
		if err != nil {
			return errors.Wrap(err, "unable to begin session")
		}
		return errors.Wrap(s.Cleanup(), "cleanup failed")
	},
}

var attrCommand = cli.Command{
	Name:  "attr",
	Usage: "get or set an index attribute",
	Flags: []cli.Flag{
		dbPathFlag,
		cli.StringFlag{Name: "name"},
		cli.StringFlag{Name: "set", Usage: "if given, set the attribute to this value instead of reading it"},
	},
	Action: runAttr,
}

func runAttr(ctx *cli.Context) error {
	ix, err := fpindex.OpenIndex(ctx.String("dbpath"))
	if err != nil {
		return errors.Wrap(err, "unable to open the index")
	}
	s, err := ix.BeginSession()
	if err != nil {
		return errors.Wrap(err, "unable to begin session")
	}

	name := ctx.String("name")
	if ctx.IsSet("set") {
		if err := s.SetAttribute(name, ctx.String("set")); err != nil {
			s.Rollback()
			return err
		}
		return errors.Wrap(s.Commit(), "unable to commit")
	}

	defer s.Rollback()
	value, err := s.GetAttribute(name)
	if err != nil {
		return err
	}
	fmt.Println(value)
	return nil
}
