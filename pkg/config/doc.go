/*
Package config parses and validates the YAML pipeline configuration.

The runtime section carries the recognized execution options with their
defaults:

	runtime:
	  commit_size: 10000                      # records between auto-commits
	  commit_time_threshold: 50               # ms between auto-commits
	  channel_buffer_size: 20000              # per-edge channel capacity
	  max_num_records_before_persist: 100000
	  max_interval_before_persist_seconds: 60
	  persist_queue_capacity: 100

Endpoints declare the queryable outputs with their conflict-resolution
modes and secondary indexes:

	endpoints:
	  - name: users
	    conflict_resolution:
	      on_insert: nothing   # nothing | update | panic
	      on_update: upsert    # nothing | upsert | panic
	      on_delete: panic     # nothing | panic
	    indexes:
	      - kind: sorted
	        fields: [country, age]
	      - kind: full_text
	        fields: [bio]

Storage selects the object-store backend ("local" or "s3"); the s3 block
supports MinIO-style endpoints via endpoint + force_path_style.
*/
package config
