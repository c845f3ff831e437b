package chronodb

/*
ChronoDB is an embedded key/value store that keeps every version of every value. Each write is stamped with the
timestamp of the commit that made it, so the store can be read as it was at any point in the past. A branch is
forked from its parent at a timestamp; it sees the history of its parent up to that point and its own commits after.

The `chronodb` module is organized into the following packages:

* `kv/chronodb`: the database facade, which wires every layer below together from a config.
* `kv/chronodb-cli`: a command line client.
* `kv/storage`: the timeline storage contract and its backends. `MemStorage` keeps everything in memory,
  `badger_storage` and `sqlite_storage` persist to disk.
* `kv/branch`: the branch tree.
* `kv/temporal`: reads through the branch ancestry, with a cache of version windows in front of the backend.
* `kv/transaction`: transactions, the commit protocol and conflict resolution. `latches` serialises commits per
  branch.
* `kv/index`: secondary indexes and search conditions.
* `kv/query`: the query builder, parser and evaluation engine.
* `kv/cache`: the value cache and the query result cache.
* `kv/config`: configuration, loaded from TOML.
* `kv/util`: codecs, metrics, a worker and a few helpers.
* `log`: the logger.

A transaction reads the committed state of its branch as of its timestamp. Commits on a branch are applied one at a
time; a commit whose keys were changed by another commit since the transaction started is handed to the conflict
resolution strategy of the transaction, which may keep either side or refuse the commit.
*/
