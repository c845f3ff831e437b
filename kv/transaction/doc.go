package transaction

// The transaction package implements ChronoDB's transaction layer. A transaction is opened on a branch at a
// timestamp and reads the state of that branch as of its timestamp. Writes are buffered in the transaction and
// only reach the temporal store when the transaction commits; a commit appends one new version per written key
// at a fresh commit timestamp, it never changes existing versions.
//
// Committing is where concurrent transactions meet. Two transactions that started at the same timestamp and
// wrote the same key do not see each other, so the second committer would silently overwrite the value of the
// first. *Blind overwrite protection* detects this: for every written key the head value of the branch is
// compared with the value the transaction saw at its timestamp. When they differ the key is an AtomicConflict
// and the ConflictResolutionStrategy of the transaction decides what gets written: the value of the
// transaction (OverwriteWithSource), the value already committed (OverwriteWithTarget), or nothing at all
// because the commit is refused with an ErrCommitConflict (DoNotMerge). Custom strategies may look at the
// common ancestor of both sides through the AncestorFetcher of the conflict.
//
// Commits of one branch are serialised by a per-branch latch (see the latches package), so conflict detection,
// resolution and the write happen without another commit of the branch slipping in between. Commits of
// different branches do not wait for each other. Readers never take a latch, the storage backends publish a
// commit atomically.
//
// After a successful commit the transaction continues at the commit timestamp with an empty buffer and can be
// used again, until it is closed.
