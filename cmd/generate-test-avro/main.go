// Command generate-test-avro writes a small Avro file shaped like demo.users
// for trying out `floe import`.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/hamba/avro/v2"
	"github.com/hamba/avro/v2/ocf"
)

const usersSchema = `{
	"type": "record",
	"name": "User",
	"fields": [
		{"name": "user_id", "type": "long"},
		{"name": "name", "type": "string"},
		{"name": "email", "type": ["null", "string"], "default": null},
		{"name": "score", "type": ["null", "double"], "default": null}
	]
}`

type user struct {
	UserID int64    `avro:"user_id"`
	Name   string   `avro:"name"`
	Email  *string  `avro:"email"`
	Score  *float64 `avro:"score"`
}

func ptr[T any](v T) *T { return &v }

func main() {
	out := flag.String("out", "testdata/users.avro", "output file")
	count := flag.Int("n", 5, "number of records")
	flag.Parse()

	if _, err := avro.Parse(usersSchema); err != nil {
		log.Fatalf("Failed to parse schema: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(*out), 0o755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}

	file, err := os.Create(*out)
	if err != nil {
		log.Fatalf("Failed to create output file: %v", err)
	}
	defer file.Close()

	enc, err := ocf.NewEncoder(usersSchema, file, ocf.WithCodec(ocf.Deflate))
	if err != nil {
		log.Fatalf("Failed to create OCF writer: %v", err)
	}

	names := []string{"alice", "bob", "carol", "dave", "eve", "frank", "grace"}
	for i := 0; i < *count; i++ {
		u := user{UserID: int64(1000 + i), Name: names[i%len(names)]}
		if i%3 != 2 {
			u.Email = ptr(fmt.Sprintf("%s%d@example.com", u.Name, i))
		}
		if i%4 != 3 {
			u.Score = ptr(50 + float64(i*7%50))
		}
		if err := enc.Encode(u); err != nil {
			log.Fatalf("Failed to encode user: %v", err)
		}
	}
	if err := enc.Close(); err != nil {
		log.Fatalf("Failed to close writer: %v", err)
	}

	fmt.Printf("Wrote %d records to %s\n", *count, *out)
}
