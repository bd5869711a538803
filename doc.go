/*Package testjob runs small, sandboxed MapReduce test jobs so that a user can
check a mapper and reducer against a sample of real input before launching
the full job.

A test job reads the first few kilobytes of its inputs, pipes them through
the user's mapper, sorts the mapper's output, and pipes the sorted lines
through the user's reducer. Each phase runs as a subprocess with a time limit,
and whatever it writes to stdout and stderr is captured to files the caller
can read back.

Sources are turned into executables by a Builder, which wraps them with
per-language prefix and suffix files, copies in support libraries, and runs
the language's compiler if it has one. Jobs are then submitted to an Engine,
which queues them and runs them one at a time, either locally or inside an
AWS Lambda function deployed by the engine itself. Programs using the lambda
backend should call ServeIfInLambda (or NewEngine) before doing anything else,
and deploy from the directory of their main package.

Settings are read from a testjobrc file in the working directory or
$HOME/.testjob, and from TESTJOB_* environment variables.
*/
package testjob
