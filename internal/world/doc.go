// Package world is the process-group runtime used by mpiprobe ranks.
//
// A Runtime mirrors the handful of MPI calls a rank needs to identify itself:
// Init, Size, Rank, ProcessorName and Finalize. Every rank sees the same Size,
// and each rank has a unique Rank with 0 <= Rank < Size. Before Init succeeds
// Size reports 0 and Rank reports -1.
//
// Three backends exist. Singleton is a world of one process. Env reads the
// rank and size that a launcher (mpirun, mpiexec, srun or mpiprobe run)
// exported into the environment. Coordinated obtains them from a rendezvous
// coordinator and makes Finalize a barrier across the whole world. Detect
// picks the right one from the environment.
package world
