/*
Package conditional implements conditional updates: mutations that are only
written if a set of conditions on the current state of their row holds.

The mutations of one extent are handled in passes. In each pass

 1. the mutations are sorted by row, only the first mutation of each row is
    taken, later mutations for the same row wait for the next pass
 2. the rows are locked in row order, the first row blocking, all others only
    if their lock is free; rows that are locked by others wait for the next pass
 3. the conditions of the locked rows are evaluated, failing mutations are
    rejected, the others are written through the commit pipeline
 4. all row locks are released

Every pass resolves at least the mutation of its first row, so the number of
passes is bounded by the number of mutations. Config.MaxPasses additionally caps
it, mutations left over are ignored. An interrupted session resolves all
remaining mutations as ignored.
*/
package conditional
