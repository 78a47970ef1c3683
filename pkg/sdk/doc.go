// Package sdk is a Go client for the docqa HTTP API.
//
//	client, _ := sdk.New("http://localhost:8080", sdk.WithAPIKey(os.Getenv("DOCQA_API_KEY")))
//	doc, _ := client.Ingest(ctx, sdk.Document{ID: "handbook", Text: text})
//	ans, _ := client.Query(ctx, "How many vacation days do I get?", sdk.InConversation("u-42"))
//
// Errors returned by the server are *APIError values. They unwrap to the
// sentinels in this package, so errors.Is(err, sdk.ErrDocumentNotFound) works.
package sdk
