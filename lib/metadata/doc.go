// Package metadata stores the persisted state of tablets and tables in the
// coordination store (see lib/store).
//
// Every tablet has one entry keyed by its table and end row:
//
//	tablets/<table>;<hex end row>   (the last tablet of a table uses "~")
//
// The previous end row is part of the value, so a split only rewrites the
// previous end row of the existing entry (the high half) and creates a new entry
// for the low half. All changes of an entry are applied with a compare-and-set
// loop (IMetadataStore.Mutate), which makes single-extent updates atomic even
// when the coordination store is replicated.
//
// Besides tablets the package stores the table configuration (tables/<id>)
// and the state of every write-ahead log of a server (wals/<server>/<log>).
package metadata
