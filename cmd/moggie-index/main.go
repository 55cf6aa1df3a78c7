// Command moggie-index is a small end-to-end exerciser for the Metadata
// Store and search Engine: it indexes raw message header blocks from
// files (or stdin) and answers keyword queries against them. It is not
// a mail client — no MIME parsing, delivery, or mailbox backends live
// here, only the storage and search core.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"crawshaw.io/iox"

	"github.com/mailpile/moggie-core/metadata"
	"github.com/mailpile/moggie-core/search"
	"github.com/mailpile/moggie-core/store/dumbcode"
)

func main() {
	log.SetFlags(0)

	flagDir := flag.String("dir", "", "data directory (required)")
	flagL1 := flag.Int("l1_keywords", 0, "dedicated L1 keyword slots (0 = default)")
	flagL2 := flag.Int("l2_buckets", 0, "hashed L2 bucket count (0 = default)")
	flag.Parse()

	if *flagDir == "" {
		log.Fatal("moggie-index: -dir is required")
	}
	args := flag.Args()
	if len(args) == 0 {
		log.Fatal("moggie-index: usage: moggie-index -dir DIR <index|search|compact|history> ...")
	}

	app, err := openApp(*flagDir, *flagL1, *flagL2)
	if err != nil {
		log.Fatalf("moggie-index: %v", err)
	}
	defer app.Close()

	switch cmd := args[0]; cmd {
	case "index":
		if err := app.index(args[1:]); err != nil {
			log.Fatalf("moggie-index: index: %v", err)
		}
	case "search":
		if err := app.search(strings.Join(args[1:], " ")); err != nil {
			log.Fatalf("moggie-index: search: %v", err)
		}
	case "compact":
		if err := app.compact(); err != nil {
			log.Fatalf("moggie-index: compact: %v", err)
		}
	case "history":
		app.history()
	default:
		log.Fatalf("moggie-index: unknown command %q", cmd)
	}
}

// app ties a Metadata Store and search Engine together, the same pairing
// a real moggie worker maintains: every indexed message's header
// keywords and date keywords feed the Engine, and query term magic
// resolves thread:/id: terms back against the Metadata Store.
type app struct {
	meta   *metadata.Store
	engine *search.Engine
	filer  *iox.Filer
}

func openApp(dir string, l1, l2 int) (*app, error) {
	metaDir := filepath.Join(dir, "metadata")
	searchDir := filepath.Join(dir, "search")
	if err := os.MkdirAll(metaDir, 0o700); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(searchDir, 0o700); err != nil {
		return nil, err
	}

	metaOpts := metadata.StoreOptions{Dir: metaDir, ID: "moggie", Logf: log.Printf}
	meta, err := metadata.Open(metaOpts)
	if err != nil {
		meta, err = metadata.New(metaOpts)
		if err != nil {
			return nil, fmt.Errorf("metadata store: %w", err)
		}
	}

	searchOpts := search.Config{Dir: searchDir, ID: "moggie", L1Keywords: l1, L2Buckets: l2, Logf: log.Printf}
	engine, err := search.Open(searchOpts)
	if err != nil {
		engine, err = search.New(searchOpts)
		if err != nil {
			meta.Close()
			return nil, fmt.Errorf("search engine: %w", err)
		}
	}
	engine.SetUniverse(meta.Len())

	filer := iox.NewFiler(0)
	return &app{meta: meta, engine: engine, filer: filer}, nil
}

func (a *app) Close() {
	a.engine.Close()
	a.meta.Close()
	a.filer.Shutdown(context.Background())
}

// index reads each path (or stdin, for "-"), buffers it through an
// iox.BufferFile the way spilld buffers every incoming message body, then
// splits out the raw header block, indexes it into the Metadata Store,
// assigns it to a thread, and adds its date and subject-word keywords to
// the search Engine.
func (a *app) index(paths []string) error {
	if len(paths) == 0 {
		paths = []string{"-"}
	}
	for _, path := range paths {
		if err := a.indexOne(path); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

func (a *app) indexOne(path string) error {
	var src io.Reader
	if path == "-" {
		src = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		src = f
	}

	buf := a.filer.BufferFile(0)
	defer buf.Close()
	if _, err := io.Copy(buf, src); err != nil {
		return err
	}
	if _, err := buf.Seek(0, io.SeekStart); err != nil {
		return err
	}

	headerBlob, err := readHeaderBlock(buf)
	if err != nil {
		return err
	}

	mm := newMetadataFromHeaders(headerBlob)

	idx, err := a.meta.UpdateOrAdd(mm, time.Now().Unix())
	if err != nil {
		return err
	}
	threadID, err := a.meta.AssignThread(idx, time.Now().Unix())
	if err != nil {
		return err
	}

	keywords := search.TimestampToKeywords(mm.Timestamp)
	if subject := mm.GetRawHeader("Subject"); subject != "" {
		for _, word := range strings.Fields(strings.ToLower(subject)) {
			word = strings.Trim(word, ".,!?;:\"'()[]{}")
			if word != "" {
				keywords = append(keywords, word)
			}
		}
	}
	single := search.NewIntSet()
	single.Set(idx)
	for _, kw := range keywords {
		if err := a.engine.AddResults(kw, single); err != nil {
			return err
		}
	}
	a.engine.SetUniverse(a.meta.Len())

	log.Printf("indexed idx=%d thread=%d uuid=%s subject=%q", idx, threadID, mm.UUID(), mm.GetRawHeader("Subject"))
	return nil
}

// readHeaderBlock reads lines until the first blank line (the RFC5322
// header/body boundary) and returns them as a single blob. The body is not
// returned (this module never needs message bodies), though the scanner may
// read part of it from r ahead of the boundary.
func readHeaderBlock(r io.Reader) ([]byte, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var sb strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			break
		}
		sb.WriteString(line)
		sb.WriteString("\r\n")
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

// newMetadataFromHeaders builds a Metadata from a raw header block, using
// the Date header (if parseable) as the indexing timestamp and falling
// back to the current time otherwise.
func newMetadataFromHeaders(headerBlob []byte) *metadata.Metadata {
	m := &metadata.Metadata{HeadersBlob: headerBlob, More: dumbcode.Map{}}
	m.Timestamp = time.Now().Unix()
	if dateStr := m.GetRawHeader("Date"); dateStr != "" {
		if t, err := mail.ParseDate(dateStr); err == nil {
			m.Timestamp = t.Unix()
		}
	}
	return m
}

func (a *app) search(query string) error {
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("empty query")
	}
	magic := a.engine.NewMagic(a.meta, a.meta)
	result, err := a.engine.Search(query, magic)
	if err != nil {
		return err
	}
	for _, idx := range result.Items() {
		m, err := a.meta.Get(idx)
		if err != nil {
			log.Printf("idx=%d: %v", idx, err)
			continue
		}
		fmt.Printf("%d\t%s\t%s\n", idx, m.UUID()[:12], m.GetRawHeader("Subject"))
	}
	return nil
}

func (a *app) compact() error {
	now := time.Now().Unix()
	if err := a.meta.Compact(now, nil, false); err != nil {
		return err
	}
	return a.engine.Compact(now, nil, false)
}

func (a *app) history() {
	for _, entry := range a.engine.History() {
		fmt.Printf("%s\t%s\n", entry.ID, entry.Comment)
	}
}
