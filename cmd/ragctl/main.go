// ragctl exercises the retrieval engine from the command line: ingest
// documents, run queries, record feedback, and classify intents.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"opsrag/internal/config"
	"opsrag/internal/ingest"
	"opsrag/internal/retrieve"
	"opsrag/internal/service"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: ragctl <command> [flags]

commands:
  ingest    -doc <id> [-tenant t] [-source s] [-tags a,b] (-text ... | -file path | -stdin)
  purge     -doc <id>
  query     -q <query> [-k n] [-feedback]
  feedback  -q <query> -doc <id> -rating <-1|0|1> [-user u]
  selected  -q <query> -doc <id> -shown a,b,c [-user u]
  classify  -q <query>
  count
`)
	os.Exit(2)
}

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
	}
	cmd := os.Args[1]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	var (
		docID   = fs.String("doc", "", "document id")
		tenant  = fs.String("tenant", "default", "tenant")
		source  = fs.String("source", "", "source label")
		tags    = fs.String("tags", "", "comma-separated tags")
		text    = fs.String("text", "", "document text")
		file    = fs.String("file", "", "read document text from file")
		stdin   = fs.Bool("stdin", false, "read document text from STDIN")
		query   = fs.String("q", "", "query text")
		topK    = fs.Int("k", 5, "number of results")
		withFb  = fs.Bool("feedback", false, "apply feedback reweighting")
		rating  = fs.Int("rating", 0, "rating in {-1,0,1}")
		user    = fs.String("user", "", "user id")
		shown   = fs.String("shown", "", "comma-separated shown doc ids")
		timeout = fs.Duration("timeout", 2*time.Minute, "overall timeout")
	)
	_ = fs.Parse(os.Args[2:])

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	svc, err := service.New(ctx, cfg)
	if err != nil {
		log.Fatalf("start engine: %v", err)
	}
	defer svc.Shutdown(context.Background())

	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")

	switch cmd {
	case "ingest":
		if *docID == "" {
			log.Fatal("-doc is required")
		}
		body := *text
		switch {
		case *file != "":
			b, err := os.ReadFile(*file)
			if err != nil {
				log.Fatalf("read file: %v", err)
			}
			body = string(b)
		case *stdin:
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				log.Fatalf("read stdin: %v", err)
			}
			body = string(b)
		}
		if body == "" {
			log.Fatal("no input provided; use -text, -file, or -stdin")
		}
		var tagList []string
		if *tags != "" {
			tagList = strings.Split(*tags, ",")
		}
		n, err := svc.Ingest(ctx, ingest.Document{
			Tenant: *tenant, DocID: *docID, Source: *source,
			Text: body, TS: time.Now(), Tags: tagList, GraphVersion: 1,
		})
		if err != nil {
			log.Fatalf("ingest: %v", err)
		}
		_ = out.Encode(map[string]any{"doc_id": *docID, "new_chunks": n})

	case "purge":
		if *docID == "" {
			log.Fatal("-doc is required")
		}
		n, err := svc.PurgeDocument(ctx, *docID)
		if err != nil {
			log.Fatalf("purge: %v", err)
		}
		_ = out.Encode(map[string]any{"doc_id": *docID, "deleted": n})

	case "query":
		if *query == "" {
			log.Fatal("-q is required")
		}
		res, err := svc.Retrieve(ctx, *query, retrieve.Options{
			TopK: *topK, ApplyFeedback: *withFb, UserID: *user,
		})
		if err != nil {
			log.Fatalf("query: %v", err)
		}
		_ = out.Encode(res)

	case "feedback":
		if *query == "" || *docID == "" {
			log.Fatal("-q and -doc are required")
		}
		ok, err := svc.RecordFeedback(ctx, *query, *docID, *rating, *user)
		if err != nil {
			log.Fatalf("feedback: %v", err)
		}
		_ = out.Encode(map[string]any{"recorded": ok})

	case "selected":
		if *query == "" || *docID == "" || *shown == "" {
			log.Fatal("-q, -doc, and -shown are required")
		}
		n, err := svc.RecordImplicitFeedback(ctx, *query, *docID, strings.Split(*shown, ","), *user)
		if err != nil {
			log.Fatalf("selected: %v", err)
		}
		_ = out.Encode(map[string]any{"recorded": n})

	case "classify":
		if *query == "" {
			log.Fatal("-q is required")
		}
		res := svc.Classify(ctx, *query)
		_ = out.Encode(map[string]any{
			"intent":            res.Intent,
			"confidence":        res.Confidence,
			"used_llm_fallback": res.UsedLLMFallback,
			"time_ms":           res.TimeMS,
		})

	case "count":
		n, err := svc.CollectionCount(ctx)
		if err != nil {
			log.Fatalf("count: %v", err)
		}
		_ = out.Encode(map[string]any{"vectors": n})

	default:
		usage()
	}
}
