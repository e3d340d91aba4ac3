// Package msgcache caches conversation history pages in front of the store.
//
// Entries are keyed by (conversation, cursor, page size) and bounded by an
// LRU. Each conversation carries a version stamp. Invalidate bumps the stamp;
// entries stored under an older stamp are treated as misses and evicted the
// next time they are read.
//
// Reads go through a ticket:
//
//	page, ticket, ok := cache.Get(convID, cursor, size)
//	if !ok {
//		page = load()
//		cache.Put(ticket, page)
//	}
//
// Put refuses the page if the conversation was invalidated after Get issued
// the ticket, which closes the window where a slow read could republish
// history from before a write.
package msgcache
