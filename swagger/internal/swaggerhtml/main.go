// Command swaggerhtml renders the registered OpenAPI document as a
// standalone Swagger UI page.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/swaggo/swag"

	_ "pkt.systems/editlock/swagger/docs"
)

const page = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <title>editlock API reference</title>
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    window.onload = function() {
      SwaggerUIBundle({ spec: %s, dom_id: '#swagger-ui', deepLinking: true });
    };
  </script>
</body>
</html>
`

func main() {
	outPath := flag.String("out", "", "path to generated swagger HTML")
	flag.Parse()
	if *outPath == "" {
		fmt.Fprintln(os.Stderr, "missing -out path")
		os.Exit(2)
	}
	doc, err := swag.ReadDoc()
	if err != nil {
		fmt.Fprintf(os.Stderr, "read registered doc: %v\n", err)
		os.Exit(1)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, []byte(doc)); err != nil {
		fmt.Fprintf(os.Stderr, "compact spec: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*outPath, []byte(fmt.Sprintf(page, compact.String())), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write html: %v\n", err)
		os.Exit(1)
	}
}
