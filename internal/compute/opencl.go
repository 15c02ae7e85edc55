//go:build cgo

package compute

/*
#cgo linux LDFLAGS: -lOpenCL
#cgo windows LDFLAGS: -lOpenCL
#cgo darwin LDFLAGS: -framework OpenCL

#ifdef __APPLE__
#include <OpenCL/opencl.h>
#else
#include <CL/cl.h>
#endif

#include <stdlib.h>
#include <string.h>

// Budgeted exact-cover DFS, one lane per work item. The buffer layouts
// mirror the host packing exactly: embeddings are 3 ulongs (cells lo, cells
// hi, piece bit | min cell << 32), the bucket table is (offset, count) pairs
// followed by flat indices, a checkpoint is 144 uints, a solution slot is
// (valid, depth, 64 choices).
static const char* kernelSource =
"#pragma OPENCL EXTENSION cl_khr_int64_base_atomics : enable\n"
"\n"
"#define MAX_DEPTH 64\n"
"#define CKPT_WORDS 144\n"
"#define ST_RUNNING 0u\n"
"#define ST_EXHAUSTED 1u\n"
"#define ST_PAUSED 2u\n"
"\n"
"inline int lowest_cell(ulong lo, ulong hi) {\n"
"    if (lo != 0ul) return popcount((lo & -lo) - 1ul);\n"
"    if (hi != 0ul) return 64 + popcount((hi & -hi) - 1ul);\n"
"    return -1;\n"
"}\n"
"\n"
"__kernel void lane_search(\n"
"    __global const ulong* emb,\n"
"    __global const uint* buckets,\n"
"    const uint num_cells,\n"
"    __global uint* ckpt,\n"
"    const uint lane_count,\n"
"    const uint budget,\n"
"    __global uint* sol,\n"
"    const uint sol_cap,\n"
"    __global uint* stats\n"
") {\n"
"    uint lane = get_global_id(0);\n"
"    if (lane >= lane_count) return;\n"
"\n"
"    __global uint* cp = ckpt + lane * CKPT_WORDS;\n"
"    if (cp[8] == ST_EXHAUSTED) return;\n"
"\n"
"    ulong cellsLo = ((ulong)cp[1] << 32) | cp[0];\n"
"    ulong cellsHi = ((ulong)cp[3] << 32) | cp[2];\n"
"    ulong pieces  = ((ulong)cp[5] << 32) | cp[4];\n"
"    uint depth = cp[6];\n"
"    uint initDepth = cp[7];\n"
"    __global uint* iter = cp + 14;\n"
"    __global uint* choice = cp + 79;\n"
"\n"
"    uint left = budget;\n"
"    ulong nodes = 0, fits = 0;\n"
"    uint maxDepth = depth;\n"
"    uint status = ST_RUNNING;\n"
"\n"
"    while (1) {\n"
"        if (left == 0) { status = ST_PAUSED; break; }\n"
"\n"
"        int low = lowest_cell(cellsLo, cellsHi);\n"
"        if (low < 0) {\n"
"            uint slot = atomic_inc(&sol[0]);\n"
"            if (slot < sol_cap) {\n"
"                __global uint* rec = sol + 2 + slot * (2 + MAX_DEPTH);\n"
"                rec[0] = 1;\n"
"                rec[1] = depth;\n"
"                for (uint d = 0; d < MAX_DEPTH; d++)\n"
"                    rec[2 + d] = d < depth ? choice[d] : 0u;\n"
"            }\n"
"            atomic_inc(&stats[0]);\n"
"            if (depth <= initDepth) { status = ST_EXHAUSTED; break; }\n"
"            depth--;\n"
"            {\n"
"                __global const ulong* e = emb + choice[depth] * 3;\n"
"                cellsLo ^= e[0];\n"
"                cellsHi ^= e[1];\n"
"                pieces ^= 1ul << (uint)(e[2] & 0xffffffffUL);\n"
"            }\n"
"            iter[depth]++;\n"
"            continue;\n"
"        }\n"
"\n"
"        uint off = buckets[low * 2];\n"
"        uint count = buckets[low * 2 + 1];\n"
"        __global const uint* idxs = buckets + num_cells * 2 + off;\n"
"        uint cursor = iter[depth];\n"
"        int placed = 0;\n"
"        while (cursor < count) {\n"
"            if (left == 0) { iter[depth] = cursor; status = ST_PAUSED; goto out; }\n"
"            left--;\n"
"            fits++;\n"
"            uint idx = idxs[cursor];\n"
"            __global const ulong* e = emb + idx * 3;\n"
"            ulong eLo = e[0], eHi = e[1];\n"
"            uint bit = (uint)(e[2] & 0xffffffffUL);\n"
"            if ((pieces & (1ul << bit)) != 0ul &&\n"
"                (cellsLo & eLo) == eLo && (cellsHi & eHi) == eHi) {\n"
"                cellsLo ^= eLo;\n"
"                cellsHi ^= eHi;\n"
"                pieces ^= 1ul << bit;\n"
"                choice[depth] = idx;\n"
"                iter[depth] = cursor;\n"
"                depth++;\n"
"                iter[depth] = 0;\n"
"                nodes++;\n"
"                if (depth > maxDepth) maxDepth = depth;\n"
"                placed = 1;\n"
"                break;\n"
"            }\n"
"            cursor++;\n"
"        }\n"
"        if (placed) continue;\n"
"\n"
"        iter[depth] = cursor;\n"
"        if (depth <= initDepth) { status = ST_EXHAUSTED; break; }\n"
"        depth--;\n"
"        {\n"
"            __global const ulong* e = emb + choice[depth] * 3;\n"
"            cellsLo ^= e[0];\n"
"            cellsHi ^= e[1];\n"
"            pieces ^= 1ul << (uint)(e[2] & 0xffffffffUL);\n"
"        }\n"
"        iter[depth]++;\n"
"    }\n"
"\n"
"out:\n"
"    cp[0] = (uint)cellsLo; cp[1] = (uint)(cellsLo >> 32);\n"
"    cp[2] = (uint)cellsHi; cp[3] = (uint)(cellsHi >> 32);\n"
"    cp[4] = (uint)pieces;  cp[5] = (uint)(pieces >> 32);\n"
"    cp[6] = depth;\n"
"    cp[8] = status;\n"
"    ulong totalNodes = ((ulong)cp[11] << 32) | cp[10];\n"
"    ulong totalFits = ((ulong)cp[13] << 32) | cp[12];\n"
"    totalNodes += nodes; totalFits += fits;\n"
"    cp[10] = (uint)totalNodes; cp[11] = (uint)(totalNodes >> 32);\n"
"    cp[12] = (uint)totalFits;  cp[13] = (uint)(totalFits >> 32);\n"
"\n"
"    if (status == ST_EXHAUSTED) atomic_inc(&stats[1]);\n"
"    else atomic_inc(&stats[2]);\n"
"    atomic_max(&stats[3], maxDepth);\n"
"    atom_add((__global ulong*)(stats + 4), fits);\n"
"    atom_add((__global ulong*)(stats + 6), nodes);\n"
"}\n";

typedef struct {
    cl_context context;
    cl_command_queue queue;
    cl_program program;
    cl_kernel kernel;
    cl_mem embBuf;
    cl_mem bucketBuf;
    cl_mem ckptBuf;
    cl_mem solBuf;
    cl_mem statsBuf;
    size_t ckptLen;
    size_t solLen;
} clEngine;

static int clDetect(char* name, int nameLen, cl_ulong* maxGroup, cl_ulong* maxAlloc) {
    cl_uint numPlatforms = 0;
    if (clGetPlatformIDs(0, NULL, &numPlatforms) != CL_SUCCESS || numPlatforms == 0)
        return 0;

    cl_platform_id* platforms = (cl_platform_id*)malloc(sizeof(cl_platform_id) * numPlatforms);
    clGetPlatformIDs(numPlatforms, platforms, NULL);

    cl_device_id dev = NULL;
    for (cl_uint p = 0; p < numPlatforms && dev == NULL; p++) {
        cl_uint nd = 0;
        if (clGetDeviceIDs(platforms[p], CL_DEVICE_TYPE_GPU, 1, &dev, &nd) != CL_SUCCESS)
            dev = NULL;
    }
    free(platforms);
    if (dev == NULL) return 0;

    clGetDeviceInfo(dev, CL_DEVICE_NAME, nameLen, name, NULL);
    size_t wg = 0;
    clGetDeviceInfo(dev, CL_DEVICE_MAX_WORK_GROUP_SIZE, sizeof(wg), &wg, NULL);
    *maxGroup = (cl_ulong)wg;
    clGetDeviceInfo(dev, CL_DEVICE_MAX_MEM_ALLOC_SIZE, sizeof(cl_ulong), maxAlloc, NULL);
    return 1;
}

static cl_device_id clFirstGPU(void) {
    cl_uint numPlatforms = 0;
    if (clGetPlatformIDs(0, NULL, &numPlatforms) != CL_SUCCESS || numPlatforms == 0)
        return NULL;
    cl_platform_id* platforms = (cl_platform_id*)malloc(sizeof(cl_platform_id) * numPlatforms);
    clGetPlatformIDs(numPlatforms, platforms, NULL);
    cl_device_id dev = NULL;
    for (cl_uint p = 0; p < numPlatforms && dev == NULL; p++) {
        cl_uint nd = 0;
        if (clGetDeviceIDs(platforms[p], CL_DEVICE_TYPE_GPU, 1, &dev, &nd) != CL_SUCCESS)
            dev = NULL;
    }
    free(platforms);
    return dev;
}

static void* clCreateEngine(const void* emb, size_t embLen,
                            const void* buckets, size_t bucketLen,
                            size_t ckptLen, size_t solLen,
                            char* buildLog, size_t buildLogLen) {
    cl_device_id dev = clFirstGPU();
    if (dev == NULL) return NULL;

    cl_int err;
    cl_context ctx = clCreateContext(NULL, 1, &dev, NULL, NULL, &err);
    if (err != CL_SUCCESS) return NULL;
    cl_command_queue queue = clCreateCommandQueue(ctx, dev, 0, &err);
    if (err != CL_SUCCESS) { clReleaseContext(ctx); return NULL; }

    const char* src = kernelSource;
    size_t srcLen = strlen(kernelSource);
    cl_program prog = clCreateProgramWithSource(ctx, 1, &src, &srcLen, &err);
    if (err != CL_SUCCESS) { clReleaseCommandQueue(queue); clReleaseContext(ctx); return NULL; }

    err = clBuildProgram(prog, 1, &dev, NULL, NULL, NULL);
    if (err != CL_SUCCESS) {
        clGetProgramBuildInfo(prog, dev, CL_PROGRAM_BUILD_LOG, buildLogLen, buildLog, NULL);
        clReleaseProgram(prog);
        clReleaseCommandQueue(queue);
        clReleaseContext(ctx);
        return NULL;
    }

    cl_kernel kern = clCreateKernel(prog, "lane_search", &err);
    if (err != CL_SUCCESS) {
        clReleaseProgram(prog);
        clReleaseCommandQueue(queue);
        clReleaseContext(ctx);
        return NULL;
    }

    clEngine* e = (clEngine*)calloc(1, sizeof(clEngine));
    e->context = ctx;
    e->queue = queue;
    e->program = prog;
    e->kernel = kern;
    e->ckptLen = ckptLen;
    e->solLen = solLen;
    e->embBuf = clCreateBuffer(ctx, CL_MEM_READ_ONLY | CL_MEM_COPY_HOST_PTR, embLen, (void*)emb, &err);
    e->bucketBuf = clCreateBuffer(ctx, CL_MEM_READ_ONLY | CL_MEM_COPY_HOST_PTR, bucketLen, (void*)buckets, &err);
    e->ckptBuf = clCreateBuffer(ctx, CL_MEM_READ_WRITE, ckptLen, NULL, &err);
    e->solBuf = clCreateBuffer(ctx, CL_MEM_READ_WRITE, solLen, NULL, &err);
    e->statsBuf = clCreateBuffer(ctx, CL_MEM_READ_WRITE, 32, NULL, &err);
    return e;
}

static int clWriteBuf(void* handle, int which, const void* data, size_t len) {
    clEngine* e = (clEngine*)handle;
    cl_mem buf = which == 0 ? e->ckptBuf : (which == 1 ? e->solBuf : e->statsBuf);
    return clEnqueueWriteBuffer(e->queue, buf, CL_TRUE, 0, len, data, 0, NULL, NULL) == CL_SUCCESS;
}

static int clReadBuf(void* handle, int which, void* out, size_t len) {
    clEngine* e = (clEngine*)handle;
    cl_mem buf = which == 0 ? e->ckptBuf : (which == 1 ? e->solBuf : e->statsBuf);
    return clEnqueueReadBuffer(e->queue, buf, CL_TRUE, 0, len, out, 0, NULL, NULL) == CL_SUCCESS;
}

static int clRunDispatch(void* handle, unsigned int numCells, unsigned int laneCount,
                         unsigned int budget, unsigned int solCap, size_t globalSize,
                         size_t groupSize) {
    clEngine* e = (clEngine*)handle;
    cl_uint nc = numCells, lc = laneCount, bg = budget, sc = solCap;
    clSetKernelArg(e->kernel, 0, sizeof(cl_mem), &e->embBuf);
    clSetKernelArg(e->kernel, 1, sizeof(cl_mem), &e->bucketBuf);
    clSetKernelArg(e->kernel, 2, sizeof(cl_uint), &nc);
    clSetKernelArg(e->kernel, 3, sizeof(cl_mem), &e->ckptBuf);
    clSetKernelArg(e->kernel, 4, sizeof(cl_uint), &lc);
    clSetKernelArg(e->kernel, 5, sizeof(cl_uint), &bg);
    clSetKernelArg(e->kernel, 6, sizeof(cl_mem), &e->solBuf);
    clSetKernelArg(e->kernel, 7, sizeof(cl_uint), &sc);
    clSetKernelArg(e->kernel, 8, sizeof(cl_mem), &e->statsBuf);

    cl_int err = clEnqueueNDRangeKernel(e->queue, e->kernel, 1, NULL, &globalSize, &groupSize, 0, NULL, NULL);
    if (err != CL_SUCCESS) return 0;
    return clFinish(e->queue) == CL_SUCCESS;
}

static void clFreeEngine(void* handle) {
    clEngine* e = (clEngine*)handle;
    if (!e) return;
    clReleaseMemObject(e->statsBuf);
    clReleaseMemObject(e->solBuf);
    clReleaseMemObject(e->ckptBuf);
    clReleaseMemObject(e->bucketBuf);
    clReleaseMemObject(e->embBuf);
    clReleaseKernel(e->kernel);
    clReleaseProgram(e->program);
    clReleaseCommandQueue(e->queue);
    clReleaseContext(e->context);
    free(e);
}
*/
import "C"
import (
	"context"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/latticelabs/cubefit/internal/kernel"
	"github.com/latticelabs/cubefit/internal/pack"
	"github.com/latticelabs/cubefit/internal/puzzle"
)

type deviceProber struct {
	done bool
	cap  Capability
}

func (p *deviceProber) Detect() Capability {
	if p.done {
		return p.cap
	}
	p.done = true

	name := make([]byte, 256)
	var maxGroup, maxAlloc C.cl_ulong
	ok := C.clDetect((*C.char)(unsafe.Pointer(&name[0])), C.int(len(name)), &maxGroup, &maxAlloc)
	if ok == 0 {
		p.cap = Capability{Reason: "no OpenCL GPU device"}
		return p.cap
	}
	n := 0
	for n < len(name) && name[n] != 0 {
		n++
	}
	p.cap = Capability{
		Supported:        true,
		DeviceName:       string(name[:n]),
		MaxLanesPerGroup: int(maxGroup),
		MaxBufferBytes:   uint64(maxAlloc),
	}
	return p.cap
}

// DeviceBackend runs the kernel on an OpenCL GPU device.
type DeviceBackend struct {
	handle unsafe.Pointer

	puz       *puzzle.Compiled
	laneCount int
	budget    int
	groupSize int
	slotCap   int
	ckptLen   int
	solLen    int
}

// NewDeviceBackend compiles the program, uploads the packed puzzle and the
// initial checkpoints, and allocates the run's device buffers.
func NewDeviceBackend(c *puzzle.Compiled, cps []kernel.Checkpoint, budget, groupSize, solutionCap int) (Backend, error) {
	embBuf := pack.Embeddings(c)
	bucketBuf := pack.Buckets(c)
	ckptBuf := pack.Checkpoints(cps)
	solLen := pack.SolutionsHeader + solutionCap*pack.SolutionStride

	buildLog := make([]byte, 8192)
	handle := C.clCreateEngine(
		unsafe.Pointer(&embBuf[0]), C.size_t(len(embBuf)),
		unsafe.Pointer(&bucketBuf[0]), C.size_t(len(bucketBuf)),
		C.size_t(len(ckptBuf)), C.size_t(solLen),
		(*C.char)(unsafe.Pointer(&buildLog[0])), C.size_t(len(buildLog)),
	)
	if handle == nil {
		n := 0
		for n < len(buildLog) && buildLog[n] != 0 {
			n++
		}
		if n > 0 {
			return nil, &ShaderError{Log: string(buildLog[:n])}
		}
		return nil, errors.Wrap(ErrUnavailable, "creating OpenCL compute pipeline")
	}

	b := &DeviceBackend{
		handle:    handle,
		puz:       c,
		laneCount: len(cps),
		budget:    budget,
		groupSize: groupSize,
		slotCap:   solutionCap,
		ckptLen:   len(ckptBuf),
		solLen:    solLen,
	}
	if err := b.Reset(cps); err != nil {
		b.Close()
		return nil, err
	}
	// Solutions persist across rounds; zero the block once at creation.
	sol := pack.NewSolutionsBuffer(solutionCap)
	if C.clWriteBuf(b.handle, 1, unsafe.Pointer(&sol[0]), C.size_t(len(sol))) == 0 {
		b.Close()
		return nil, errors.New("uploading solutions buffer")
	}
	return b, nil
}

// LaneCount reports the number of scheduled lanes.
func (b *DeviceBackend) LaneCount() int {
	return b.laneCount
}

// Dispatch submits one budgeted pass and blocks until the device finishes.
func (b *DeviceBackend) Dispatch(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	global := (b.laneCount + b.groupSize - 1) / b.groupSize * b.groupSize
	ok := C.clRunDispatch(b.handle,
		C.uint(b.puz.NumCells), C.uint(b.laneCount),
		C.uint(b.budget), C.uint(b.slotCap),
		C.size_t(global), C.size_t(b.groupSize))
	if ok == 0 {
		return errors.New("kernel dispatch failed")
	}
	return nil
}

// ReadStats copies back and decodes the stats block.
func (b *DeviceBackend) ReadStats(ctx context.Context) (pack.Stats, error) {
	if err := ctx.Err(); err != nil {
		return pack.Stats{}, err
	}
	buf := make([]byte, pack.StatsSize)
	if C.clReadBuf(b.handle, 2, unsafe.Pointer(&buf[0]), C.size_t(len(buf))) == 0 {
		return pack.Stats{}, &ReadbackError{Buffer: "stats"}
	}
	return pack.DecodeStats(buf)
}

// ReadSolutions copies back and decodes the solutions block.
func (b *DeviceBackend) ReadSolutions(ctx context.Context) ([]pack.RawSolution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf := make([]byte, b.solLen)
	if C.clReadBuf(b.handle, 1, unsafe.Pointer(&buf[0]), C.size_t(len(buf))) == 0 {
		return nil, &ReadbackError{Buffer: "solutions"}
	}
	return pack.DecodeSolutions(buf)
}

// Reset uploads fresh checkpoints and zeroes the round counters.
func (b *DeviceBackend) Reset(cps []kernel.Checkpoint) error {
	ckptBuf := pack.Checkpoints(cps)
	if len(ckptBuf) != b.ckptLen {
		return errors.Errorf("round has %d checkpoint bytes, device buffer holds %d", len(ckptBuf), b.ckptLen)
	}
	if C.clWriteBuf(b.handle, 0, unsafe.Pointer(&ckptBuf[0]), C.size_t(len(ckptBuf))) == 0 {
		return errors.New("uploading checkpoint buffer")
	}
	stats := pack.EncodeStats(pack.Stats{})
	if C.clWriteBuf(b.handle, 2, unsafe.Pointer(&stats[0]), C.size_t(len(stats))) == 0 {
		return errors.New("zeroing stats buffer")
	}
	b.laneCount = len(cps)
	return nil
}

// Close releases all device resources.
func (b *DeviceBackend) Close() {
	if b.handle != nil {
		C.clFreeEngine(b.handle)
		b.handle = nil
	}
}
